package passport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
)

const defaultProtocolVersion = "300"

// state is the part every variant shares.
type state struct {
	mu sync.Mutex

	variant  domain.Variant
	identity domain.Identity
	endpoint domain.Endpoint
	version  string
	bpd      domain.Params
	upd      domain.Params
	sigID    int64
	syncSig  bool
	syncSys  bool

	callback ports.Callback
	logger   *slog.Logger
	redactor Redactor

	side   map[string]any
	client map[string]any
}

func (s *state) init(variant domain.Variant, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s.variant = variant
	s.identity = opts.Identity
	s.endpoint = opts.Endpoint
	s.bpd = domain.Params{}
	s.upd = domain.Params{}
	s.callback = opts.Callback
	s.logger = logger.With("variant", string(variant))
	s.redactor = opts.Redactor
	s.side = map[string]any{}
	s.client = map[string]any{}
}

func (s *state) Variant() domain.Variant {
	return s.variant
}

func (s *state) Identity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *state) Endpoint() domain.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *state) CustomerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity.CustomerID == "" {
		return s.identity.UserID
	}
	return s.identity.CustomerID
}

func (s *state) SetCustomerID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.CustomerID = id
}

func (s *state) SetSysID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.SysID = id
}

func (s *state) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *state) SetProtocolVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
}

func (s *state) SigID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sigID
}

func (s *state) SetSigID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigID = id
}

func (s *state) nextSigID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigID++
	return s.sigID
}

func (s *state) BPD() domain.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bpd.Clone()
}

func (s *state) UPD() domain.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upd.Clone()
}

func (s *state) SetBPD(p domain.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bpd = p.Clone()
}

func (s *state) SetUPD(p domain.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upd = p.Clone()
}

func (s *state) ClearBPD() {
	s.SetBPD(nil)
}

func (s *state) ClearUPD() {
	s.SetUPD(nil)
}

func (s *state) SyncSigID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncSig = true
}

func (s *state) SyncSysID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncSys = true
}

func (s *state) SigIDSyncRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncSig
}

func (s *state) SysIDSyncRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncSys
}

func (s *state) ClearSyncRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncSig = false
	s.syncSys = false
}

func (s *state) Callback() ports.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callback
}

func (s *state) SetCallback(cb ports.Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

func (s *state) SetSideData(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.side[key] = value
}

func (s *state) SideData(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.side[key]
	return value, ok
}

func (s *state) DeleteSideData(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.side, key)
}

func (s *state) SetClientData(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client[key] = value
}

func (s *state) ClientData(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.client[key]
	return value, ok
}

func (s *state) addSecret(value string, class domain.FilterClass) {
	if s.redactor != nil {
		s.redactor.AddSecret(value, class)
	}
}

func (s *state) ask(ctx context.Context, req domain.CallbackRequest) (string, error) {
	cb := s.Callback()
	if cb == nil {
		return "", fmt.Errorf("%w: cannot ask for %s", domain.ErrMissingCallback, req.Reason)
	}
	answer, err := cb.Ask(ctx, req)
	if err != nil {
		return "", fmt.Errorf("callback %s: %w", req.Reason, err)
	}
	return strings.TrimSpace(answer), nil
}

func (s *state) askPassphrase(ctx context.Context, reason domain.Reason) (string, error) {
	prompt := "Passphrase for the security context file"
	if reason == domain.ReasonNeedPassphraseSave {
		prompt = "New passphrase for the security context file"
	}
	pass, err := s.ask(ctx, domain.CallbackRequest{Reason: reason, Prompt: prompt, Kind: domain.AnswerSecret})
	if err != nil {
		return "", err
	}
	if pass == "" {
		return "", fmt.Errorf("%w: passphrase prompt returned nothing", domain.ErrEmptyCredential)
	}
	s.addSecret(pass, domain.FilterSecrets)
	return pass, nil
}

// askForMissingData fills identity and endpoint fields that are still empty.
func (s *state) askForMissingData(ctx context.Context, defaultPort int) (bool, error) {
	s.mu.Lock()
	id := s.identity
	ep := s.endpoint
	s.mu.Unlock()

	changed := false
	text := func(field *string, reason domain.Reason, prompt, def string) error {
		if *field != "" {
			return nil
		}
		answer, err := s.ask(ctx, domain.CallbackRequest{Reason: reason, Prompt: prompt, Kind: domain.AnswerText, Default: def})
		if err != nil {
			return err
		}
		if answer == "" {
			answer = def
		}
		if answer == "" {
			return fmt.Errorf("%w: %s", domain.ErrEmptyCredential, reason)
		}
		*field = answer
		changed = true
		return nil
	}

	steps := []func() error{
		func() error { return text(&id.Country, domain.ReasonNeedCountry, "Country code of the institute", "DE") },
		func() error { return text(&id.BLZ, domain.ReasonNeedBLZ, "Bank code (BLZ) of the institute", "") },
		func() error { return text(&ep.Host, domain.ReasonNeedHost, "Server address of the institute", "") },
		func() error {
			if ep.Port != 0 {
				return nil
			}
			raw := ""
			if err := text(&raw, domain.ReasonNeedPort, "Server port", strconv.Itoa(defaultPort)); err != nil {
				return err
			}
			port, err := strconv.Atoi(raw)
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", raw)
			}
			ep.Port = port
			return nil
		},
		func() error { return text(&id.UserID, domain.ReasonNeedUserID, "User id", "") },
		func() error { return text(&id.CustomerID, domain.ReasonNeedCustomerID, "Customer id", id.UserID) },
		func() error {
			if s.variant != domain.VariantPinTan {
				return nil
			}
			return text(&ep.FilterType, domain.ReasonNeedFilterType, "Transport filter", "Base64")
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return false, fmt.Errorf("ask for missing data: %w", err)
		}
	}

	if changed {
		s.mu.Lock()
		s.identity = id
		s.endpoint = ep
		s.mu.Unlock()
	}
	s.addSecret(id.UserID, domain.FilterIDs)
	s.addSecret(id.CustomerID, domain.FilterIDs)

	return changed, nil
}

func (s *state) defaultVersion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == "" {
		s.version = defaultProtocolVersion
	}
}
