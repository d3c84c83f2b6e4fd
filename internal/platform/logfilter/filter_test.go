package logfilter

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactHonoursLevel(t *testing.T) {
	t.Parallel()

	f := New(domain.FilterSecrets)
	f.AddSecret("1234", domain.FilterSecrets)
	f.AddSecret("DE02120300000000202051", domain.FilterIDs)
	f.AddSecret("", domain.FilterSecrets)
	f.AddSecret("ignored", domain.FilterNone)

	out := f.Redact("pin=1234 iban=DE02120300000000202051 ignored")
	assert.Equal(t, "pin=XXXX iban=DE02120300000000202051 ignored", out)

	wide := New(domain.FilterMost)
	wide.AddSecret("DE02120300000000202051", domain.FilterIDs)
	assert.Equal(t, "iban=XXXXXXXXXXXXXXXXXXXXXX", wide.Redact("iban=DE02120300000000202051"))
}

func TestRedactLongestSecretFirst(t *testing.T) {
	t.Parallel()

	f := New(domain.FilterIDs)
	f.AddSecret("55", domain.FilterSecrets)
	f.AddSecret("555555", domain.FilterSecrets)

	assert.Equal(t, "tan XXXXXX", f.Redact("tan 555555"))
}

func TestNilFilterIsPassThrough(t *testing.T) {
	t.Parallel()

	var f *Filter
	f.AddSecret("x", domain.FilterSecrets)
	assert.Equal(t, "x", f.Redact("x"))
	assert.Equal(t, domain.FilterNone, f.Level())
}

func TestHandlerMasksMessageAttrsAndKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := New(domain.FilterIDs)
	f.AddSecret("1234", domain.FilterSecrets)
	logger := slog.New(f.WrapHandler(slog.NewJSONHandler(&buf, nil)))

	logger.With("user", "u-1234").Info("signing with 1234",
		"pin", "whatever",
		"err", errors.New("bank rejected 1234"),
		slog.Group("job", "param", "x1234x"),
		"status", "ok",
	)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	assert.Equal(t, "signing with XXXX", payload["msg"])
	assert.Equal(t, redactedValue, payload["pin"])
	assert.Equal(t, "bank rejected XXXX", payload["err"])
	assert.Equal(t, "u-XXXX", payload["user"])
	assert.Equal(t, "ok", payload["status"])
	group, ok := payload["job"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "xXXXXx", group["param"])
	assert.NotContains(t, buf.String(), "1234")
}

func TestWrapHandlerNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, New(domain.FilterSecrets).WrapHandler(nil))
}
