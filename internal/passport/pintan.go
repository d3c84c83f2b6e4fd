package passport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/text/encoding/charmap"

	"github.com/bnema/hbci-go/internal/domain"
)

const (
	// OneStepProcedure is the TAN procedure code of the single-step flow.
	OneStepProcedure = "999"
	pinTanPort       = 443
)

var (
	_ SecurityContext   = (*PinTan)(nil)
	_ TANContext        = (*PinTan)(nil)
	_ PassphraseChanger = (*PinTan)(nil)
	_ ScannerAware      = (*PinTan)(nil)
)

// PinTan signs with a PIN and, where the institute demands it, a TAN.
type PinTan struct {
	state
	vault *vault

	tanMu     sync.Mutex
	pin       string
	allowed   []string
	current   string
	challenge string
	hhduc     string
	pending   bool
	verify    bool
	scanner   OperationScanner
}

// OpenPinTan loads the state file at opts.Path, creating it when missing.
func OpenPinTan(ctx context.Context, opts Options) (*PinTan, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("open pin/tan context: state file path is required")
	}

	p := &PinTan{vault: newVault(opts), scanner: opts.Scanner}
	p.state.init(domain.VariantPinTan, opts)

	created := !p.vault.exists()
	if !created {
		if err := p.load(ctx); err != nil {
			return nil, err
		}
	} else {
		p.logger.Warn("creating new state file", "path", opts.Path)
	}

	changed, err := p.askForMissingData(ctx, pinTanPort)
	if err != nil {
		return nil, err
	}
	p.defaultVersion()

	if created || changed {
		if err := p.Save(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PinTan) load(ctx context.Context) error {
	plain, err := p.vault.load(ctx, p.askPassphrase)
	if err != nil {
		return fmt.Errorf("load pin/tan context: %w", err)
	}

	var (
		id  domain.Identity
		ep  domain.Endpoint
		bpd domain.Params
		upd domain.Params
		ver string
	)
	r := newRecordReader(plain)
	r.get(&id.Country)
	r.get(&id.BLZ)
	r.get(&ep.Host)
	r.get(&ep.Port)
	r.get(&id.UserID)
	r.get(&id.SysID)
	r.get(&bpd)
	r.get(&upd)
	r.get(&ver)
	r.get(&id.CustomerID)
	r.get(&ep.FilterType)

	var allowed []string
	current := ""
	r.optional(&allowed)
	r.optional(&current)
	if r.err != nil {
		return fmt.Errorf("load pin/tan context: %w", r.err)
	}
	if r.eof {
		p.logger.Warn("state file has no TAN procedure records, upgrading format")
	}

	p.mu.Lock()
	p.identity = id
	p.endpoint = ep
	p.bpd = bpd.Clone()
	p.upd = upd.Clone()
	p.version = ver
	p.mu.Unlock()

	p.tanMu.Lock()
	p.allowed = allowed
	p.current = current
	p.tanMu.Unlock()

	return nil
}

func (p *PinTan) Save(ctx context.Context) error {
	p.mu.Lock()
	id, ep := p.identity, p.endpoint
	bpd, upd, ver := p.bpd.Clone(), p.upd.Clone(), p.version
	p.mu.Unlock()

	allowed, current := p.AllowedTANProcedures(), p.CurrentTANProcedure()
	if allowed == nil {
		allowed = []string{}
	}

	w := newRecordWriter()
	w.put(id.Country)
	w.put(id.BLZ)
	w.put(ep.Host)
	w.put(ep.Port)
	w.put(id.UserID)
	w.put(id.SysID)
	w.put(bpd)
	w.put(upd)
	w.put(ver)
	w.put(id.CustomerID)
	w.put(ep.FilterType)
	w.put(allowed)
	w.put(current)

	plain, err := w.bytes()
	if err != nil {
		return fmt.Errorf("save pin/tan context: %w", err)
	}
	if err := p.vault.save(ctx, p.askPassphrase, plain); err != nil {
		return fmt.Errorf("save pin/tan context: %w", err)
	}
	p.logger.Debug("saved state file", "procedures", len(allowed), "procedure", current)
	return nil
}

func (p *PinTan) ChangePassphrase(ctx context.Context) error {
	p.vault.forget()
	return p.Save(ctx)
}

func (p *PinTan) Close(ctx context.Context) error {
	err := p.Save(ctx)
	p.vault.forget()
	p.tanMu.Lock()
	p.pin = ""
	p.tanMu.Unlock()
	return err
}

func (p *PinTan) SetOperationScanner(scan OperationScanner) {
	p.tanMu.Lock()
	defer p.tanMu.Unlock()
	p.scanner = scan
}

func (p *PinTan) Hash(data []byte) []byte {
	return data
}

// Sign returns the "PIN|TAN" block for data in ISO-8859-1.
func (p *PinTan) Sign(ctx context.Context, data []byte) ([]byte, error) {
	pin, err := p.ensurePIN(ctx)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	var tan string
	if p.isOneStep() && !p.hasPendingChallenge() {
		tan, err = p.oneStepTAN(ctx, data)
	} else {
		tan, err = p.twoStepTAN(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if tan != "" {
		p.addSecret(tan, domain.FilterSecrets)
	}

	block, err := charmap.ISO8859_1.NewEncoder().String(pin + "|" + tan)
	if err != nil {
		return nil, fmt.Errorf("sign: encode signature block: %w", err)
	}
	return []byte(block), nil
}

func (p *PinTan) ensurePIN(ctx context.Context) (string, error) {
	p.tanMu.Lock()
	pin := p.pin
	p.tanMu.Unlock()
	if pin != "" {
		return pin, nil
	}

	pin, err := p.ask(ctx, domain.CallbackRequest{
		Reason: domain.ReasonNeedPIN,
		Prompt: "PIN",
		Kind:   domain.AnswerSecret,
	})
	if err != nil {
		return "", err
	}
	if pin == "" {
		return "", fmt.Errorf("%w: PIN prompt returned nothing", domain.ErrEmptyCredential)
	}
	p.addSecret(pin, domain.FilterSecrets)

	p.tanMu.Lock()
	p.pin = pin
	p.tanMu.Unlock()
	return pin, nil
}

func (p *PinTan) isOneStep() bool {
	current := p.CurrentTANProcedure()
	return current == "" || current == OneStepProcedure
}

func (p *PinTan) oneStepTAN(ctx context.Context, data []byte) (string, error) {
	p.tanMu.Lock()
	scan := p.scanner
	p.tanMu.Unlock()
	if scan == nil {
		p.logger.Warn("no operation scanner configured, signing without TAN")
		return "", nil
	}

	bpd := p.BPD()
	tan := ""
	for _, code := range scan(data) {
		switch bpd.PinTanInfo(code) {
		case "J":
			if tan != "" {
				p.logger.Warn("more than one operation in the message needs a TAN", "code", code)
				continue
			}
			answer, err := p.ask(ctx, domain.CallbackRequest{
				Reason: domain.ReasonNeedTAN,
				Prompt: "TAN",
				Kind:   domain.AnswerText,
			})
			if err != nil {
				return "", err
			}
			if answer == "" {
				return "", fmt.Errorf("%w: TAN prompt returned nothing", domain.ErrEmptyCredential)
			}
			tan = answer
		case "N":
			p.logger.Debug("operation needs no TAN", "code", code)
		default:
			p.logger.Warn("operation seems not to be allowed with PIN/TAN", "code", code)
		}
	}
	return tan, nil
}

func (p *PinTan) twoStepTAN(ctx context.Context) (string, error) {
	p.tanMu.Lock()
	challenge, hhduc, pending := p.challenge, p.hhduc, p.pending
	p.challenge, p.hhduc, p.pending = "", "", false
	current := p.current
	p.tanMu.Unlock()

	if !pending {
		p.logger.Debug("no pending challenge, signing without TAN")
		return "", nil
	}

	prompt := challenge
	if proc, ok := p.BPD().TANProcedure(current); ok {
		prompt = proc.Name + "\n" + proc.InputInfo + "\n\n" + challenge
	}
	answer, err := p.ask(ctx, domain.CallbackRequest{
		Reason:  domain.ReasonNeedTAN,
		Prompt:  prompt,
		Kind:    domain.AnswerText,
		Flicker: RenderFlicker(hhduc, challenge),
	})
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "", fmt.Errorf("%w: TAN prompt returned nothing", domain.ErrEmptyCredential)
	}
	return answer, nil
}

func (p *PinTan) Verify([]byte, []byte) bool {
	return true
}

// Encrypt strips the padding the codec appended; transport security is left to HTTPS.
func (p *PinTan) Encrypt(plain []byte) ([]byte, []byte, error) {
	unpadded, err := stripPadding(plain)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	return make([]byte, 8), unpadded, nil
}

func (p *PinTan) Decrypt(_ []byte, ciphertext []byte) ([]byte, error) {
	return appendPadding(ciphertext), nil
}

func (p *PinTan) NeedInstKeys() bool  { return false }
func (p *PinTan) NeedUserKeys() bool  { return false }
func (p *PinTan) HasInstSigKey() bool { return true }
func (p *PinTan) HasInstEncKey() bool { return true }
func (p *PinTan) HasMySigKey() bool   { return true }
func (p *PinTan) HasMyEncKey() bool   { return true }

func (p *PinTan) SetPendingChallenge(challenge, hhduc string) {
	p.tanMu.Lock()
	defer p.tanMu.Unlock()
	p.challenge, p.hhduc, p.pending = challenge, hhduc, true
}

func (p *PinTan) hasPendingChallenge() bool {
	p.tanMu.Lock()
	defer p.tanMu.Unlock()
	return p.pending
}

func (p *PinTan) ClearPendingChallenge() {
	p.tanMu.Lock()
	defer p.tanMu.Unlock()
	p.challenge, p.hhduc, p.pending = "", "", false
}

// ActivateTANVerify marks the next dialog initialization as a PIN/TAN check.
func (p *PinTan) ActivateTANVerify() {
	p.tanMu.Lock()
	defer p.tanMu.Unlock()
	p.verify = true
}

func (p *PinTan) ConsumeTANVerify() bool {
	p.tanMu.Lock()
	defer p.tanMu.Unlock()
	v := p.verify
	p.verify = false
	return v
}

func (p *PinTan) CurrentTANProcedure() string {
	p.tanMu.Lock()
	defer p.tanMu.Unlock()
	return p.current
}

func (p *PinTan) AllowedTANProcedures() []string {
	p.tanMu.Lock()
	defer p.tanMu.Unlock()
	return slices.Clone(p.allowed)
}

func (p *PinTan) SetAllowedTANProcedures(codes []string) {
	p.tanMu.Lock()
	defer p.tanMu.Unlock()
	p.allowed = slices.Clone(codes)
	if p.current != "" && p.current != OneStepProcedure && !slices.Contains(p.allowed, p.current) {
		p.current = ""
	}
}

// SelectTANProcedure picks the procedure used for signing, asking when several are permitted.
func (p *PinTan) SelectTANProcedure(ctx context.Context) (string, error) {
	p.tanMu.Lock()
	allowed := slices.Clone(p.allowed)
	current := p.current
	p.tanMu.Unlock()

	if current != "" && (current == OneStepProcedure || slices.Contains(allowed, current)) {
		return current, nil
	}

	var selected string
	switch len(allowed) {
	case 0:
		selected = OneStepProcedure
	case 1:
		selected = allowed[0]
	default:
		bpd := p.BPD()
		choices := make([]string, 0, len(allowed))
		for _, code := range allowed {
			label := code
			if proc, ok := bpd.TANProcedure(code); ok {
				label = code + ":" + proc.Name
			}
			choices = append(choices, label)
		}
		answer, err := p.ask(ctx, domain.CallbackRequest{
			Reason:  domain.ReasonNeedTANProcedure,
			Prompt:  "TAN procedure",
			Kind:    domain.AnswerText,
			Default: allowed[0],
			Choices: choices,
		})
		if err != nil {
			return "", fmt.Errorf("select TAN procedure: %w", err)
		}
		if answer == "" {
			answer = allowed[0]
		}
		if !slices.Contains(allowed, answer) {
			return "", fmt.Errorf("select TAN procedure: %q is not permitted", answer)
		}
		selected = answer
	}

	p.tanMu.Lock()
	p.current = selected
	p.tanMu.Unlock()
	p.logger.Info("selected TAN procedure", "procedure", selected)
	return selected, nil
}

func stripPadding(plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return nil, fmt.Errorf("message is empty")
	}
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > len(plain) {
		return nil, fmt.Errorf("invalid padding length %d", pad)
	}
	return plain[:len(plain)-pad], nil
}

func appendPadding(payload []byte) []byte {
	out := make([]byte, len(payload), len(payload)+1)
	copy(out, payload)
	return append(out, 0x01)
}
