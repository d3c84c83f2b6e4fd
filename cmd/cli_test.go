package cmd

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	filestore "github.com/bnema/hbci-go/internal/adapters/secrets/file"
	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/passport"
	"github.com/bnema/hbci-go/internal/ports"
	"github.com/bnema/hbci-go/internal/testutil/fakebank"
)

const answersFixture = `answers:
  need_country: ["DE"]
  need_blz: ["37040044"]
  need_host: ["bank.example.com/fints"]
  need_port: ["443"]
  need_userid: ["user-7"]
  need_customerid: ["user-7"]
  need_filter_type: ["Base64"]
  need_passphrase_save: ["secret"]
  need_passphrase_load: ["secret"]
  need_pin: ["1234"]
  need_tan: ["555555"]
`

func TestVersionPrintsBuildVersion(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
}

func TestProfileAddThenList(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, nil, "profile", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "no profiles configured")

	stdout, _, err = executeCLI(t, home, nil, "profile", "add", "--name", "giro", "--description", "main account")
	require.NoError(t, err)
	assert.Contains(t, stdout, "profile giro saved (pintan)")

	stdout, _, err = executeCLI(t, home, nil, "profile", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "giro")
	assert.Contains(t, stdout, "300")
	assert.Contains(t, stdout, filepath.Join(home, ".hbci", "passports", "giro.pt"))
	assert.Contains(t, stdout, "main account")

	_, _, err = executeCLI(t, home, nil, "profile", "remove", "giro")
	require.NoError(t, err)
	_, _, err = executeCLI(t, home, nil, "profile", "remove", "giro")
	require.ErrorIs(t, err, domain.ErrProfileNotFound)
}

func TestProfileAddRejectsUnknownVariant(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCLI(t, home, nil, "profile", "add", "--name", "giro", "--variant", "smartcard")
	require.Error(t, err)
}

func TestExecRequiresProfile(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCLI(t, home, fakebank.New(fakebank.DefaultConfig()), "exec", "--job", "SaldoReq")
	require.ErrorIs(t, err, errNoProfile)
}

func TestExecBalanceRendersStatus(t *testing.T) {
	home := t.TempDir()
	answers := setupProfile(t, home)
	bank := fakebank.New(fakebank.DefaultConfig())

	stdout, _, err := executeCLI(t, home, bank,
		"exec", "--answers", answers,
		"--job", "SaldoReq",
		"--param", "my.iban=DE89370400440532013000",
	)
	require.NoError(t, err)
	assert.Contains(t, stdout, "dialogs: 1")
	assert.Contains(t, stdout, "customer user-7")
	assert.Contains(t, stdout, "job SaldoReq: ok")
	assert.Zero(t, bank.Overlaps())

	stdout, _, err = executeCLI(t, home, nil, "history")
	require.NoError(t, err)
	assert.Contains(t, stdout, "entries: 1")
	assert.Contains(t, stdout, "customer user-7")
}

func TestExecJSONOutput(t *testing.T) {
	home := t.TempDir()
	answers := setupProfile(t, home)

	stdout, _, err := executeCLI(t, home, fakebank.New(fakebank.DefaultConfig()),
		"exec", "--answers", answers, "--json",
		"--job", "SaldoReq",
		"--param", "SaldoReq:my.iban=DE89370400440532013000",
	)
	require.NoError(t, err)
	require.True(t, json.Valid([]byte(stdout)), stdout)

	var out execJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, domain.OutcomeOK, out.Outcome)
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, "SaldoReq", out.Jobs[0].Name)
	assert.Equal(t, "ok", out.Jobs[0].Status)
	assert.Contains(t, stdout, "1024.50")
}

func TestExecThreadedTransfer(t *testing.T) {
	home := t.TempDir()
	answers := setupProfile(t, home)
	bank := fakebank.New(fakebank.DefaultConfig())

	stdout, _, err := executeCLI(t, home, bank,
		"exec", "--answers", answers, "--threaded",
		"--job", "UebSEPA",
		"--param", "src.iban=DE89370400440532013000",
		"--param", "dst.iban=DE02120300000000202051",
		"--param", "amount=100.00",
	)
	require.NoError(t, err)
	assert.Contains(t, stdout, "job UebSEPA: ok")
}

func TestExecEmptyTANFaultsDialog(t *testing.T) {
	home := t.TempDir()
	answers := setupProfile(t, home)
	require.NoError(t, os.WriteFile(answers, []byte(strings.Replace(answersFixture, `need_tan: ["555555"]`, `need_tan: [""]`, 1)), 0o600))

	stdout, _, err := executeCLI(t, home, fakebank.New(fakebank.DefaultConfig()),
		"exec", "--answers", answers,
		"--job", "UebSEPA",
		"--param", "src.iban=DE89370400440532013000",
		"--param", "dst.iban=DE02120300000000202051",
		"--param", "amount=1.00",
	)
	require.ErrorIs(t, err, errExecutionNotOK)
	assert.Contains(t, stdout, "fault:")
}

func TestExecUnknownJob(t *testing.T) {
	home := t.TempDir()
	answers := setupProfile(t, home)

	_, _, err := executeCLI(t, home, fakebank.New(fakebank.DefaultConfig()),
		"exec", "--answers", answers, "--job", "DoesNotExist")
	require.ErrorIs(t, err, domain.ErrUnknownJob)
}

func TestExecRejectsMalformedParam(t *testing.T) {
	home := t.TempDir()
	answers := setupProfile(t, home)

	_, _, err := executeCLI(t, home, fakebank.New(fakebank.DefaultConfig()),
		"exec", "--answers", answers, "--job", "SaldoReq", "--param", "my.iban")
	require.ErrorContains(t, err, "expected key=value")
}

func TestPassportShowAfterInit(t *testing.T) {
	home := t.TempDir()
	answers := setupProfile(t, home)

	_, _, err := executeCLI(t, home, nil, "passport", "init", "--answers", answers)
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, nil, "passport", "show", "--answers", answers)
	require.NoError(t, err)
	assert.Contains(t, stdout, "blz:")
	assert.Contains(t, stdout, "37040044")
	assert.Contains(t, stdout, "bank.example.com/fints")
	assert.Contains(t, stdout, "unset")
	assert.Regexp(t, `(?m)^bpd:\s+unset$`, stdout)
	assert.Regexp(t, `(?m)^upd:\s+unset$`, stdout)
}

func TestJobsListsRegisteredAndLowlevelJobs(t *testing.T) {
	home := t.TempDir()
	answers := setupProfile(t, home)

	stdout, _, err := executeCLI(t, home, fakebank.New(fakebank.DefaultConfig()), "jobs", "--answers", answers)
	require.NoError(t, err)
	assert.Contains(t, stdout, "SaldoReq")
	assert.Contains(t, stdout, "Saldo (version 6)")

	stdout, _, err = executeCLI(t, home, fakebank.New(fakebank.DefaultConfig()), "jobs", "--answers", answers, "--lowlevel", "Saldo")
	require.NoError(t, err)
	assert.Contains(t, stdout, "parameters: KTV.iban, KTV.bic, allaccounts")
	assert.Contains(t, stdout, "results: saldo.value, saldo.curr, saldo.timestamp")
}

func TestRefreshReloadsParameterData(t *testing.T) {
	home := t.TempDir()
	answers := setupProfile(t, home)

	stdout, _, err := executeCLI(t, home, fakebank.New(fakebank.DefaultConfig()), "refresh", "--answers", answers, "--bpd")
	require.NoError(t, err)
	assert.Contains(t, stdout, "bpd version 12, upd version 3")
}

func TestKeysNeedKeyFilePassport(t *testing.T) {
	home := t.TempDir()
	answers := setupProfile(t, home)

	_, _, err := executeCLI(t, home, fakebank.New(fakebank.DefaultConfig()), "keys", "new", "--answers", answers)
	require.ErrorIs(t, err, domain.ErrNoKeyStorage)
}

func TestHistoryDisabledJournal(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".hbci"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".hbci", "config.toml"), []byte("[journal]\npath = \"\"\n"), 0o600))

	stdout, _, err := executeCLI(t, home, nil, "history")
	require.NoError(t, err)
	assert.Contains(t, stdout, "journal disabled")
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ep   domain.Endpoint
		want string
	}{
		{name: "path and default port", ep: domain.Endpoint{Host: "bank.example.com/fints", Port: 443}, want: "https://bank.example.com/fints"},
		{name: "custom port", ep: domain.Endpoint{Host: "bank.example.com/cgi/hbci", Port: 8443}, want: "https://bank.example.com:8443/cgi/hbci"},
		{name: "no path", ep: domain.Endpoint{Host: "bank.example.com"}, want: "https://bank.example.com/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, endpointURL(tt.ep))
		})
	}
}

func TestParseJobParams(t *testing.T) {
	t.Parallel()

	params, err := parseJobParams([]string{"amount=1.00", "UebSEPA:usage=rent=may", " currency =EUR"})
	require.NoError(t, err)
	assert.Equal(t, []jobParam{
		{key: "amount", value: "1.00"},
		{job: "UebSEPA", key: "usage", value: "rent=may"},
		{key: "currency", value: "EUR"},
	}, params)

	_, err = parseJobParams([]string{"UebSEPA:=x"})
	require.ErrorContains(t, err, "empty key")
}

// executeCLI runs the root command under home. A non-nil bank replaces the
// codec and the network transport.
func executeCLI(t *testing.T, home string, bank *fakebank.Bank, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)

	a, err := wireApp()
	require.NoError(t, err)
	a.logger = slog.New(slog.DiscardHandler)
	a.secrets = filestore.NewStore(filepath.Join(home, "secrets"))
	if bank != nil {
		a.newCodec = func() (ports.MessageCodec, error) {
			return bank, nil
		}
		a.newTransport = func(passport.SecurityContext, ports.MessageCodec, ports.Callback) (ports.Transport, error) {
			return bank, nil
		}
	}

	root := newRootCmdWith(a)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetIn(strings.NewReader(""))
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err = root.Execute()
	return stdout.String(), stderr.String(), err
}

// setupProfile adds a PIN/TAN profile and returns the path of an answer script.
func setupProfile(t *testing.T, home string) string {
	t.Helper()

	_, _, err := executeCLI(t, home, nil, "profile", "add", "--name", "giro")
	require.NoError(t, err)

	answers := filepath.Join(home, "answers.yaml")
	require.NoError(t, os.WriteFile(answers, []byte(answersFixture), 0o600))
	return answers
}
