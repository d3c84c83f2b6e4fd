package ports

import "github.com/bnema/hbci-go/internal/domain"

// CardReader is the chip card behind a DDV security context.
type CardReader interface {
	Identity() (domain.Identity, domain.Endpoint, error)
	Sign(hash []byte) ([]byte, error)
	Verify(hash, signature []byte) (bool, error)
	// SessionKey returns a fresh session key in plain and card-encrypted form.
	SessionKey() (plain []byte, encrypted []byte, err error)
	DecryptSessionKey(encrypted []byte) ([]byte, error)
	SigID() (int64, error)
	Close() error
}
