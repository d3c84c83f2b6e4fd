package application

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/testutil/fakebank"
)

func TestTransferPainVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		suppformats string
		want        string
	}{
		{name: "empty", want: defaultPainVersion},
		{name: "only direct debits", suppformats: "urn:iso:std:iso:20022:tech:xsd:pain.008.003.02", want: defaultPainVersion},
		{
			name:        "highest transfer format",
			suppformats: "sepade.pain.001.001.02.xsd;urn:iso:std:iso:20022:tech:xsd:pain.001.003.03;urn:iso:std:iso:20022:tech:xsd:pain.001.002.03",
			want:        "pain.001.003.03",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, transferPainVersion(tt.suppformats))
		})
	}
}

func TestIndexedGroupsByPosition(t *testing.T) {
	t.Parallel()

	got := indexed([]domain.Value{
		{Name: "media.10.name", Value: "late"},
		{Name: "media.2.name", Value: "early"},
		{Name: "media.2.status", Value: "1"},
		{Name: "media.x.name", Value: "ignored"},
		{Name: "media.3", Value: "ignored"},
		{Name: "other.1.name", Value: "ignored"},
	}, "media.")

	assert.Equal(t, []map[string]string{
		{"name": "early", "status": "1"},
		{"name": "late"},
	}, got)
}

func TestTransferRejectsInvalidParameters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		param  string
		value  string
		policy FaultPolicy
		ok     bool
	}{
		{name: "bad iban", param: "dst.iban", value: "DE00"},
		{name: "bad amount", param: "amount", value: "1,5"},
		{name: "bad currency", param: "currency", value: "XXY"},
		{name: "ignored by policy", param: "amount", value: "1,5", policy: FaultPolicy{domain.FaultInvalidParam: FaultIgnore}, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, fakebank.DefaultConfig(), WithFaultPolicy(tt.policy))
			h := env.handler
			job := transferJob(t, h, "1.00")
			require.NoError(t, job.SetParam(tt.param, tt.value))

			err := h.AddJobToDialog(context.Background(), "", job)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, domain.FaultInvalidParam, verr.Class)
			assert.Empty(t, h.Pending())
		})
	}
}

func TestBalanceJobPayload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	h := env.handler
	job := balanceJob(t, h)
	require.NoError(t, h.AddJobToDialog(context.Background(), "", job))

	_, err := h.Execute(context.Background())
	require.NoError(t, err)

	balance, err := domain.Payload[domain.Balance](job)
	require.NoError(t, err)
	assert.Equal(t, "1024.50", balance.Value)
	assert.Equal(t, "EUR", balance.Currency)
	assert.Equal(t, time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC), balance.Timestamp)
}

func TestTANMediaListDefaults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	job, err := env.handler.NewJob(JobTANMediaList)
	require.NoError(t, err)
	require.NoError(t, job.Build(nil))

	mediaType, _ := job.WireParam("mediatype")
	category, _ := job.WireParam("mediacategory")
	assert.Equal(t, "1", mediaType)
	assert.Equal(t, "A", category)
}

func TestRegistryRegister(t *testing.T) {
	t.Parallel()

	factory := func(*Handler) (*domain.Job, error) { return nil, nil }

	r := NewRegistry()
	require.Error(t, r.Register(" ", "", factory))
	require.Error(t, r.Register("Custom", "", nil))
	require.NoError(t, r.Register("Custom", "", factory))

	reg, ok := r.lookup("Custom")
	require.True(t, ok)
	assert.Equal(t, "Custom", reg.lowlevel)
	assert.Equal(t, []string{"Custom"}, r.Names())

	assert.ElementsMatch(t, []string{JobTransfer, JobSEPAInfo, JobBalance, JobStatus, JobTANMediaList}, DefaultRegistry().Names())
}

func TestParseFaultAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    FaultAction
		wantErr bool
	}{
		{raw: "", want: FaultRaise},
		{raw: " Ignore ", want: FaultIgnore},
		{raw: "callback", want: FaultCallback},
		{raw: "explode", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()

			got, err := ParseFaultAction(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMustRegisterPanicsOnInvalidTag(t *testing.T) {
	t.Parallel()

	v := validator.New()
	assert.Panics(t, func() {
		mustRegister(v, "", func(validator.FieldLevel) bool { return true })
	})
	assert.NotPanics(t, func() {
		mustRegister(v, "always", func(validator.FieldLevel) bool { return true })
	})
}
