package passport

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
)

var _ SecurityContext = (*DDV)(nil)

// DDV keeps its keys on a chip card; the card signs and wraps session keys.
type DDV struct {
	state
	card ports.CardReader
}

// NewDDV reads identity, endpoint and signature id from the card.
func NewDDV(opts Options) (*DDV, error) {
	if opts.CardReader == nil {
		return nil, fmt.Errorf("open ddv context: %w", domain.ErrNoKeyStorage)
	}

	d := &DDV{card: opts.CardReader}
	d.state.init(domain.VariantDDV, opts)

	id, ep, err := opts.CardReader.Identity()
	if err != nil {
		return nil, fmt.Errorf("open ddv context: read card identity: %w", err)
	}
	sigID, err := opts.CardReader.SigID()
	if err != nil {
		return nil, fmt.Errorf("open ddv context: read signature id: %w", err)
	}

	d.identity = id
	d.endpoint = ep
	d.sigID = sigID
	d.version = defaultProtocolVersion
	d.addSecret(id.UserID, domain.FilterIDs)
	d.addSecret(id.CustomerID, domain.FilterIDs)
	return d, nil
}

func (d *DDV) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (d *DDV) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := d.card.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign with card: %w", err)
	}
	d.nextSigID()
	return sig, nil
}

func (d *DDV) Verify(data, signature []byte) bool {
	digest := sha256.Sum256(data)
	ok, err := d.card.Verify(digest[:], signature)
	if err != nil {
		d.logger.Warn("card verification failed", "error", err)
		return false
	}
	return ok
}

func (d *DDV) Encrypt(plain []byte) ([]byte, []byte, error) {
	session, wrapped, err := d.card.SessionKey()
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: card session key: %w", err)
	}
	defer zeroBytes(session)

	sealed, err := sealSession(session, plain)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	return wrapped, sealed, nil
}

func (d *DDV) Decrypt(key, ciphertext []byte) ([]byte, error) {
	session, err := d.card.DecryptSessionKey(key)
	if err != nil {
		return nil, fmt.Errorf("decrypt: card session key: %w", err)
	}
	defer zeroBytes(session)

	plain, err := openSession(session, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

func (d *DDV) NeedInstKeys() bool  { return false }
func (d *DDV) NeedUserKeys() bool  { return false }
func (d *DDV) HasInstSigKey() bool { return true }
func (d *DDV) HasInstEncKey() bool { return true }
func (d *DDV) HasMySigKey() bool   { return true }
func (d *DDV) HasMyEncKey() bool   { return true }

// Save is a no-op: everything a DDV context persists lives on the card.
func (d *DDV) Save(context.Context) error {
	return nil
}

func (d *DDV) Close(context.Context) error {
	if err := d.card.Close(); err != nil {
		return fmt.Errorf("close card reader: %w", err)
	}
	return nil
}
