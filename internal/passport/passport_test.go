package passport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/platform/logfilter"
)

type scriptedCallback struct {
	mu      sync.Mutex
	answers map[domain.Reason][]string
	asked   []domain.CallbackRequest
}

func newScriptedCallback(answers map[domain.Reason][]string) *scriptedCallback {
	return &scriptedCallback{answers: answers}
}

func (s *scriptedCallback) Ask(_ context.Context, req domain.CallbackRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.asked = append(s.asked, req)
	queue := s.answers[req.Reason]
	if len(queue) == 0 {
		return "", fmt.Errorf("unexpected callback %s", req.Reason)
	}
	s.answers[req.Reason] = queue[1:]
	return queue[0], nil
}

func (s *scriptedCallback) add(reason domain.Reason, answers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[reason] = append(s.answers[reason], answers...)
}

func (s *scriptedCallback) reasons() []domain.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Reason, 0, len(s.asked))
	for _, req := range s.asked {
		out = append(out, req.Reason)
	}
	return out
}

func (s *scriptedCallback) last() domain.CallbackRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asked[len(s.asked)-1]
}

func firstRunAnswers() map[domain.Reason][]string {
	return map[domain.Reason][]string{
		domain.ReasonNeedCountry:        {""},
		domain.ReasonNeedBLZ:            {"12030000"},
		domain.ReasonNeedHost:           {"banking.example.com/fints"},
		domain.ReasonNeedPort:           {""},
		domain.ReasonNeedUserID:         {"user-7"},
		domain.ReasonNeedCustomerID:     {""},
		domain.ReasonNeedFilterType:     {""},
		domain.ReasonNeedPassphraseSave: {"correct horse"},
	}
}

func openTestPinTan(t *testing.T, path string, cb *scriptedCallback, filter *logfilter.Filter) *PinTan {
	t.Helper()
	p, err := OpenPinTan(context.Background(), Options{Path: path, Callback: cb, Redactor: filter})
	require.NoError(t, err)
	return p
}

func TestOpenPinTanCreatesStateFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bank.pt")
	cb := newScriptedCallback(firstRunAnswers())
	p := openTestPinTan(t, path, cb, nil)

	assert.Equal(t, domain.Identity{Country: "DE", BLZ: "12030000", UserID: "user-7", CustomerID: "user-7"}, p.Identity())
	assert.Equal(t, domain.Endpoint{Host: "banking.example.com/fints", Port: 443, FilterType: "Base64"}, p.Endpoint())
	assert.Equal(t, "300", p.ProtocolVersion())
	assert.Equal(t, []domain.Reason{
		domain.ReasonNeedCountry,
		domain.ReasonNeedBLZ,
		domain.ReasonNeedHost,
		domain.ReasonNeedPort,
		domain.ReasonNeedUserID,
		domain.ReasonNeedCustomerID,
		domain.ReasonNeedFilterType,
		domain.ReasonNeedPassphraseSave,
	}, cb.reasons())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(stateFileMode), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "user-7")
}

func TestPinTanStateSurvivesReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bank.pt")
	p := openTestPinTan(t, path, newScriptedCallback(firstRunAnswers()), nil)
	p.SetBPD(domain.Params{"version": "78", "pintan.HKCCS": "J"})
	p.SetUPD(domain.Params{"version": "3", "accounts.0.number": "111"})
	p.SetSysID("sys-42")
	p.SetAllowedTANProcedures([]string{"942", "920"})
	p.tanMu.Lock()
	p.current = "942"
	p.tanMu.Unlock()
	require.NoError(t, p.Close(context.Background()))

	cb := newScriptedCallback(map[domain.Reason][]string{
		domain.ReasonNeedPassphraseLoad: {"correct horse"},
	})
	reloaded := openTestPinTan(t, path, cb, nil)

	assert.Equal(t, "sys-42", reloaded.Identity().SysID)
	assert.Equal(t, "78", reloaded.BPD().Version())
	assert.Equal(t, "3", reloaded.UPD().Version())
	assert.Equal(t, []string{"942", "920"}, reloaded.AllowedTANProcedures())
	assert.Equal(t, "942", reloaded.CurrentTANProcedure())
	assert.Equal(t, []domain.Reason{domain.ReasonNeedPassphraseLoad}, cb.reasons())
}

func TestPinTanWrongPassphraseExhaustsRetries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bank.pt")
	require.NoError(t, openTestPinTan(t, path, newScriptedCallback(firstRunAnswers()), nil).Close(context.Background()))

	cb := newScriptedCallback(map[domain.Reason][]string{
		domain.ReasonNeedPassphraseLoad: {"wrong", "still wrong", "nope"},
	})
	_, err := OpenPinTan(context.Background(), Options{Path: path, Callback: cb, Retries: 3})
	require.ErrorIs(t, err, domain.ErrInvalidPassphrase)
	assert.Len(t, cb.reasons(), 3)

	retry := newScriptedCallback(map[domain.Reason][]string{
		domain.ReasonNeedPassphraseLoad: {"wrong", "correct horse"},
	})
	_, err = OpenPinTan(context.Background(), Options{Path: path, Callback: retry})
	require.NoError(t, err)
}

func TestPinTanLoadsFilesWithoutProcedureRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "old.pt")
	w := newRecordWriter()
	for _, v := range []any{"DE", "12030000", "bank.example.com", 443, "user-1", "0",
		domain.Params{"version": "5"}, domain.Params{}, "300", "cust-1", "Base64"} {
		w.put(v)
	}
	plain, err := w.bytes()
	require.NoError(t, err)

	v := newVault(Options{Path: path})
	require.NoError(t, v.save(context.Background(), func(context.Context, domain.Reason) (string, error) {
		return "old secret", nil
	}, plain))

	cb := newScriptedCallback(map[domain.Reason][]string{
		domain.ReasonNeedPassphraseLoad: {"old secret"},
	})
	p := openTestPinTan(t, path, cb, nil)

	assert.Equal(t, "cust-1", p.CustomerID())
	assert.Equal(t, "5", p.BPD().Version())
	assert.Empty(t, p.AllowedTANProcedures())
	assert.Equal(t, "", p.CurrentTANProcedure())
}

func TestPinTanChangePassphrase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bank.pt")
	cb := newScriptedCallback(firstRunAnswers())
	p := openTestPinTan(t, path, cb, nil)

	cb.add(domain.ReasonNeedPassphraseSave, "battery staple")
	require.NoError(t, p.ChangePassphrase(context.Background()))

	_, err := OpenPinTan(context.Background(), Options{Path: path, Retries: 1, Callback: newScriptedCallback(map[domain.Reason][]string{
		domain.ReasonNeedPassphraseLoad: {"correct horse"},
	})})
	require.ErrorIs(t, err, domain.ErrInvalidPassphrase)

	_, err = OpenPinTan(context.Background(), Options{Path: path, Callback: newScriptedCallback(map[domain.Reason][]string{
		domain.ReasonNeedPassphraseLoad: {"battery staple"},
	})})
	require.NoError(t, err)
}

func TestPinTanOneStepSign(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		codes     []string
		tans      []string
		wantBlock string
		wantTANs  int
	}{
		{name: "no TAN needed", codes: []string{"HKSAL"}, wantBlock: "1234|"},
		{name: "one TAN", codes: []string{"HKSAL", "HKCCS"}, tans: []string{"555"}, wantBlock: "1234|555", wantTANs: 1},
		{name: "asks once for two operations", codes: []string{"HKCCS", "HKCCS"}, tans: []string{"555", "666"}, wantBlock: "1234|555", wantTANs: 1},
		{name: "unknown operation", codes: []string{"HKXYZ"}, wantBlock: "1234|"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "bank.pt")
			cb := newScriptedCallback(firstRunAnswers())
			filter := logfilter.New(domain.FilterSecrets)
			p := openTestPinTan(t, path, cb, filter)
			p.SetBPD(domain.Params{"pintan.HKCCS": "J", "pintan.HKSAL": "N"})
			p.SetOperationScanner(func([]byte) []string { return tc.codes })

			cb.add(domain.ReasonNeedPIN, "1234")
			cb.add(domain.ReasonNeedTAN, tc.tans...)

			block, err := p.Sign(context.Background(), []byte("message"))
			require.NoError(t, err)
			assert.Equal(t, tc.wantBlock, string(block))

			tanCalls := 0
			for _, reason := range cb.reasons() {
				if reason == domain.ReasonNeedTAN {
					tanCalls++
				}
			}
			assert.Equal(t, tc.wantTANs, tanCalls)
			assert.Equal(t, "pin XXXX", filter.Redact("pin 1234"))
		})
	}
}

func TestPinTanAsksForPINOnce(t *testing.T) {
	t.Parallel()

	cb := newScriptedCallback(firstRunAnswers())
	p := openTestPinTan(t, filepath.Join(t.TempDir(), "bank.pt"), cb, nil)
	cb.add(domain.ReasonNeedPIN, "1234")

	for range 3 {
		_, err := p.Sign(context.Background(), []byte("message"))
		require.NoError(t, err)
	}

	pinCalls := 0
	for _, reason := range cb.reasons() {
		if reason == domain.ReasonNeedPIN {
			pinCalls++
		}
	}
	assert.Equal(t, 1, pinCalls)
}

func TestPinTanEmptyCredentials(t *testing.T) {
	t.Parallel()

	t.Run("empty PIN", func(t *testing.T) {
		t.Parallel()
		cb := newScriptedCallback(firstRunAnswers())
		p := openTestPinTan(t, filepath.Join(t.TempDir(), "bank.pt"), cb, nil)
		cb.add(domain.ReasonNeedPIN, "")

		_, err := p.Sign(context.Background(), []byte("message"))
		require.ErrorIs(t, err, domain.ErrEmptyCredential)
	})

	t.Run("empty two-step TAN", func(t *testing.T) {
		t.Parallel()
		cb := newScriptedCallback(firstRunAnswers())
		p := openTestPinTan(t, filepath.Join(t.TempDir(), "bank.pt"), cb, nil)
		p.SetAllowedTANProcedures([]string{"942"})
		_, err := p.SelectTANProcedure(context.Background())
		require.NoError(t, err)
		p.SetPendingChallenge("Please confirm", "")
		cb.add(domain.ReasonNeedPIN, "1234")
		cb.add(domain.ReasonNeedTAN, "")

		_, err = p.Sign(context.Background(), []byte("message"))
		require.ErrorIs(t, err, domain.ErrEmptyCredential)
	})
}

func TestPinTanTwoStepConsumesChallenge(t *testing.T) {
	t.Parallel()

	cb := newScriptedCallback(firstRunAnswers())
	p := openTestPinTan(t, filepath.Join(t.TempDir(), "bank.pt"), cb, nil)
	p.SetBPD(domain.Params{"twostep.942.name": "chipTAN optisch", "twostep.942.inputinfo": "TAN vom Generator"})
	p.SetAllowedTANProcedures([]string{"942"})

	proc, err := p.SelectTANProcedure(context.Background())
	require.NoError(t, err)
	require.Equal(t, "942", proc)

	cb.add(domain.ReasonNeedPIN, "1234")
	block, err := p.Sign(context.Background(), []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, "1234|", string(block))

	p.SetPendingChallenge("Bitte TAN eingeben", "0160812345678041234")
	cb.add(domain.ReasonNeedTAN, "778899")
	block, err = p.Sign(context.Background(), []byte("tan message"))
	require.NoError(t, err)
	assert.Equal(t, "1234|778899", string(block))

	req := cb.last()
	assert.Equal(t, domain.ReasonNeedTAN, req.Reason)
	assert.Equal(t, "chipTAN optisch\nTAN vom Generator\n\nBitte TAN eingeben", req.Prompt)
	assert.Equal(t, "09041234567802123463", req.Flicker)

	block, err = p.Sign(context.Background(), []byte("end"))
	require.NoError(t, err)
	assert.Equal(t, "1234|", string(block))
}

func TestPinTanSelectTANProcedure(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		allowed []string
		answer  []string
		want    string
		wantErr bool
	}{
		{name: "none permitted", want: OneStepProcedure},
		{name: "single", allowed: []string{"920"}, want: "920"},
		{name: "asks among several", allowed: []string{"920", "942"}, answer: []string{"942"}, want: "942"},
		{name: "empty answer takes first", allowed: []string{"920", "942"}, answer: []string{""}, want: "920"},
		{name: "rejects unknown", allowed: []string{"920", "942"}, answer: []string{"111"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cb := newScriptedCallback(firstRunAnswers())
			p := openTestPinTan(t, filepath.Join(t.TempDir(), "bank.pt"), cb, nil)
			p.SetAllowedTANProcedures(tc.allowed)
			cb.add(domain.ReasonNeedTANProcedure, tc.answer...)

			got, err := p.SelectTANProcedure(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want, p.CurrentTANProcedure())
		})
	}
}

func TestPinTanEncryptStripsPadding(t *testing.T) {
	t.Parallel()

	p := openTestPinTan(t, filepath.Join(t.TempDir(), "bank.pt"), newScriptedCallback(firstRunAnswers()), nil)

	key, body, err := p.Encrypt([]byte("HNHBK:1:3'\x00\x00\x03"))
	require.NoError(t, err)
	assert.Len(t, key, 8)
	assert.Equal(t, "HNHBK:1:3'", string(body))

	plain, err := p.Decrypt(key, body)
	require.NoError(t, err)
	assert.Equal(t, "HNHBK:1:3'\x01", string(plain))

	_, _, err = p.Encrypt([]byte{'a', 0x00})
	require.Error(t, err)
	_, _, err = p.Encrypt([]byte{'a', 0x05})
	require.Error(t, err)
}

func TestPinTanVerifyFlag(t *testing.T) {
	t.Parallel()

	p := openTestPinTan(t, filepath.Join(t.TempDir(), "bank.pt"), newScriptedCallback(firstRunAnswers()), nil)
	assert.False(t, p.ConsumeTANVerify())
	p.ActivateTANVerify()
	assert.True(t, p.ConsumeTANVerify())
	assert.False(t, p.ConsumeTANVerify())
}

func TestOpenDispatchesOnVariant(t *testing.T) {
	t.Parallel()

	anon, err := Open(context.Background(), domain.VariantAnonymous, Options{
		Endpoint: domain.Endpoint{Host: "bank.example.com", Port: 443},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VariantAnonymous, anon.Variant())

	_, err = Open(context.Background(), domain.VariantDDV, Options{})
	require.ErrorIs(t, err, domain.ErrNoKeyStorage)

	_, err = Open(context.Background(), domain.Variant("hbci-classic"), Options{})
	require.Error(t, err)
}

func TestAnonymousSignsNothing(t *testing.T) {
	t.Parallel()

	a := NewAnonymous(Options{})
	sig, err := a.Sign(context.Background(), []byte("data"))
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.True(t, a.Verify(nil, nil))
	assert.False(t, a.NeedInstKeys())
	assert.Equal(t, "9999999999", a.CustomerID())
	require.NoError(t, a.Save(context.Background()))
}

func TestSideAndClientData(t *testing.T) {
	t.Parallel()

	a := NewAnonymous(Options{})
	a.SetSideData("thread_syncer_main", 1)
	v, ok := a.SideData("thread_syncer_main")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	a.DeleteSideData("thread_syncer_main")
	_, ok = a.SideData("thread_syncer_main")
	assert.False(t, ok)

	a.SetClientData("ui.window", "main")
	v, ok = a.ClientData("ui.window")
	require.True(t, ok)
	assert.Equal(t, "main", v)
}
