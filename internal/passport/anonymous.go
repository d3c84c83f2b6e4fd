package passport

import (
	"context"
	"fmt"

	"github.com/bnema/hbci-go/internal/domain"
)

var _ SecurityContext = (*Anonymous)(nil)

// Anonymous talks to an institute without any credential. Nothing is signed or persisted.
type Anonymous struct {
	state
}

func NewAnonymous(opts Options) *Anonymous {
	a := &Anonymous{}
	a.state.init(domain.VariantAnonymous, opts)
	if a.identity.UserID == "" {
		a.identity.UserID = "9999999999"
	}
	a.identity.SysID = "0"
	a.version = defaultProtocolVersion
	return a
}

func (a *Anonymous) Hash(data []byte) []byte {
	return data
}

func (a *Anonymous) Sign(context.Context, []byte) ([]byte, error) {
	return nil, nil
}

func (a *Anonymous) Verify([]byte, []byte) bool {
	return true
}

func (a *Anonymous) Encrypt(plain []byte) ([]byte, []byte, error) {
	unpadded, err := stripPadding(plain)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	return make([]byte, 8), unpadded, nil
}

func (a *Anonymous) Decrypt(_ []byte, ciphertext []byte) ([]byte, error) {
	return appendPadding(ciphertext), nil
}

func (a *Anonymous) NeedInstKeys() bool  { return false }
func (a *Anonymous) NeedUserKeys() bool  { return false }
func (a *Anonymous) HasInstSigKey() bool { return false }
func (a *Anonymous) HasInstEncKey() bool { return false }
func (a *Anonymous) HasMySigKey() bool   { return false }
func (a *Anonymous) HasMyEncKey() bool   { return false }

func (a *Anonymous) Save(context.Context) error  { return nil }
func (a *Anonymous) Close(context.Context) error { return nil }
