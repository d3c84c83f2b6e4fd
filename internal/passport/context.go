// Package passport holds the security contexts a handler signs and encrypts with.
package passport

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
)

// SecurityContext is one credential together with its security procedure.
type SecurityContext interface {
	Variant() domain.Variant
	Identity() domain.Identity
	Endpoint() domain.Endpoint
	CustomerID() string
	SetCustomerID(id string)
	SetSysID(id string)
	ProtocolVersion() string
	SetProtocolVersion(version string)
	SigID() int64
	SetSigID(id int64)

	BPD() domain.Params
	UPD() domain.Params
	SetBPD(p domain.Params)
	SetUPD(p domain.Params)
	ClearBPD()
	ClearUPD()

	Hash(data []byte) []byte
	Sign(ctx context.Context, data []byte) ([]byte, error)
	Verify(data, signature []byte) bool
	Encrypt(plain []byte) (key []byte, ciphertext []byte, err error)
	Decrypt(key, ciphertext []byte) ([]byte, error)

	NeedInstKeys() bool
	NeedUserKeys() bool
	HasInstSigKey() bool
	HasInstEncKey() bool
	HasMySigKey() bool
	HasMyEncKey() bool

	SyncSigID()
	SyncSysID()
	SigIDSyncRequested() bool
	SysIDSyncRequested() bool
	ClearSyncRequests()

	Callback() ports.Callback
	SetCallback(cb ports.Callback)

	SetSideData(key string, value any)
	SideData(key string) (any, bool)
	DeleteSideData(key string)
	SetClientData(key string, value any)
	ClientData(key string) (any, bool)

	Save(ctx context.Context) error
	Close(ctx context.Context) error
}

type KeyPairs struct {
	Sig *rsa.PrivateKey
	Enc *rsa.PrivateKey
}

// KeyStore is implemented by variants that hold their own key material.
type KeyStore interface {
	GenerateKeys() (KeyPairs, error)
	SetUserKeys(keys KeyPairs) error
	LockKeys()
	SetInstKeys(sig, enc *rsa.PublicKey)
}

// TANContext is implemented by the PIN/TAN variant.
type TANContext interface {
	SetPendingChallenge(challenge, hhduc string)
	ClearPendingChallenge()
	ActivateTANVerify()
	ConsumeTANVerify() bool
	CurrentTANProcedure() string
	AllowedTANProcedures() []string
	SetAllowedTANProcedures(codes []string)
	SelectTANProcedure(ctx context.Context) (string, error)
}

// PassphraseChanger is implemented by variants backed by an encrypted state file.
type PassphraseChanger interface {
	ChangePassphrase(ctx context.Context) error
}

// OperationScanner lists the operation codes found in a plaintext message.
type OperationScanner func(plain []byte) []string

// ScannerAware is implemented by contexts that inspect outgoing messages when signing.
type ScannerAware interface {
	SetOperationScanner(scan OperationScanner)
}

// Redactor receives values that must never show up in logs.
type Redactor interface {
	AddSecret(value string, class domain.FilterClass)
}

type Options struct {
	Path       string
	Callback   ports.Callback
	Logger     *slog.Logger
	Redactor   Redactor
	Retries    int
	AtomicSave bool
	Scanner    OperationScanner
	CardReader ports.CardReader
	// Identity and Endpoint seed contexts that have no state file.
	Identity domain.Identity
	Endpoint domain.Endpoint
}

// Open builds the security context for variant.
func Open(ctx context.Context, variant domain.Variant, opts Options) (SecurityContext, error) {
	var (
		sec SecurityContext
		err error
	)
	switch variant {
	case domain.VariantPinTan:
		var p *PinTan
		if p, err = OpenPinTan(ctx, opts); err == nil {
			sec = p
		}
	case domain.VariantRDH:
		var r *RDH
		if r, err = OpenRDH(ctx, opts); err == nil {
			sec = r
		}
	case domain.VariantDDV:
		var d *DDV
		if d, err = NewDDV(opts); err == nil {
			sec = d
		}
	case domain.VariantAnonymous:
		sec = NewAnonymous(opts)
	default:
		return nil, fmt.Errorf("open security context: unknown variant %q", variant)
	}
	if err != nil {
		return nil, err
	}
	return sec, nil
}
