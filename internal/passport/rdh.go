package passport

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/bnema/hbci-go/internal/domain"
)

const (
	rdhKeyBits = 2048
	rdhPort    = 3000
)

var (
	_ SecurityContext   = (*RDH)(nil)
	_ KeyStore          = (*RDH)(nil)
	_ PassphraseChanger = (*RDH)(nil)
)

// RDH signs and encrypts with RSA key pairs held in the state file.
type RDH struct {
	state
	vault   *vault
	keyBits int

	keyMu   sync.Mutex
	instSig *rsa.PublicKey
	instEnc *rsa.PublicKey
	mySig   *rsa.PrivateKey
	myEnc   *rsa.PrivateKey
}

// OpenRDH loads the key file at opts.Path, creating it when missing.
func OpenRDH(ctx context.Context, opts Options) (*RDH, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("open rdh context: key file path is required")
	}

	r := &RDH{vault: newVault(opts), keyBits: rdhKeyBits}
	r.state.init(domain.VariantRDH, opts)

	created := !r.vault.exists()
	if !created {
		if err := r.load(ctx); err != nil {
			return nil, err
		}
	}

	changed, err := r.askForMissingData(ctx, rdhPort)
	if err != nil {
		return nil, err
	}
	r.defaultVersion()

	if created || changed {
		if err := r.Save(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *RDH) load(ctx context.Context) error {
	plain, err := r.vault.load(ctx, r.askPassphrase)
	if err != nil {
		return fmt.Errorf("load rdh context: %w", err)
	}

	var (
		id       domain.Identity
		ep       domain.Endpoint
		bpd, upd domain.Params
		ver      string
		sigID    int64
	)
	var instSig, instEnc, mySig, myEnc []byte
	rd := newRecordReader(plain)
	rd.get(&id.Country)
	rd.get(&id.BLZ)
	rd.get(&ep.Host)
	rd.get(&ep.Port)
	rd.get(&id.UserID)
	rd.get(&id.SysID)
	rd.get(&bpd)
	rd.get(&upd)
	rd.get(&ver)
	rd.get(&id.CustomerID)
	rd.get(&sigID)
	rd.get(&instSig)
	rd.get(&instEnc)
	rd.get(&mySig)
	rd.get(&myEnc)
	if rd.err != nil {
		return fmt.Errorf("load rdh context: %w", rd.err)
	}

	keys := struct {
		instSig, instEnc *rsa.PublicKey
		mySig, myEnc     *rsa.PrivateKey
	}{}
	if keys.instSig, err = parsePublicDER(instSig); err != nil {
		return fmt.Errorf("load rdh context: institute signature key: %w", err)
	}
	if keys.instEnc, err = parsePublicDER(instEnc); err != nil {
		return fmt.Errorf("load rdh context: institute encryption key: %w", err)
	}
	if keys.mySig, err = parsePrivateDER(mySig); err != nil {
		return fmt.Errorf("load rdh context: user signature key: %w", err)
	}
	if keys.myEnc, err = parsePrivateDER(myEnc); err != nil {
		return fmt.Errorf("load rdh context: user encryption key: %w", err)
	}

	r.mu.Lock()
	r.identity = id
	r.endpoint = ep
	r.bpd = bpd.Clone()
	r.upd = upd.Clone()
	r.version = ver
	r.sigID = sigID
	r.mu.Unlock()

	r.keyMu.Lock()
	r.instSig, r.instEnc = keys.instSig, keys.instEnc
	r.mySig, r.myEnc = keys.mySig, keys.myEnc
	r.keyMu.Unlock()
	return nil
}

func (r *RDH) Save(ctx context.Context) error {
	r.mu.Lock()
	id, ep := r.identity, r.endpoint
	bpd, upd, ver, sigID := r.bpd.Clone(), r.upd.Clone(), r.version, r.sigID
	r.mu.Unlock()

	r.keyMu.Lock()
	instSig, errSig := marshalPublicDER(r.instSig)
	instEnc, errEnc := marshalPublicDER(r.instEnc)
	mySig, myEnc := marshalPrivateDER(r.mySig), marshalPrivateDER(r.myEnc)
	r.keyMu.Unlock()
	if errSig != nil || errEnc != nil {
		return fmt.Errorf("save rdh context: encode institute keys: %v %v", errSig, errEnc)
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
	w.put(sigID)
	w.put(instSig)
	w.put(instEnc)
	w.put(mySig)
	w.put(myEnc)

	plain, err := w.bytes()
	if err != nil {
		return fmt.Errorf("save rdh context: %w", err)
	}
	if err := r.vault.save(ctx, r.askPassphrase, plain); err != nil {
		return fmt.Errorf("save rdh context: %w", err)
	}
	return nil
}

func (r *RDH) ChangePassphrase(ctx context.Context) error {
	r.vault.forget()
	return r.Save(ctx)
}

func (r *RDH) Close(ctx context.Context) error {
	err := r.Save(ctx)
	r.vault.forget()
	return err
}

func (r *RDH) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Sign signs a digest produced by Hash and advances the signature id.
func (r *RDH) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.keyMu.Lock()
	key := r.mySig
	r.keyMu.Unlock()
	if key == nil {
		return nil, fmt.Errorf("sign: no user signature key")
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	r.nextSigID()
	return sig, nil
}

func (r *RDH) Verify(data, signature []byte) bool {
	r.keyMu.Lock()
	key := r.instSig
	r.keyMu.Unlock()
	if key == nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature) == nil
}

// Encrypt seals plain under a fresh session key wrapped with the institute encryption key.
func (r *RDH) Encrypt(plain []byte) ([]byte, []byte, error) {
	r.keyMu.Lock()
	pub := r.instEnc
	r.keyMu.Unlock()
	if pub == nil {
		return nil, nil, fmt.Errorf("encrypt: no institute encryption key")
	}

	session, err := newSessionKey()
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	defer zeroBytes(session)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, session, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: wrap session key: %w", err)
	}
	sealed, err := sealSession(session, plain)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	return wrapped, sealed, nil
}

func (r *RDH) Decrypt(key, ciphertext []byte) ([]byte, error) {
	r.keyMu.Lock()
	priv := r.myEnc
	r.keyMu.Unlock()
	if priv == nil {
		return nil, fmt.Errorf("decrypt: no user encryption key")
	}

	session, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, key, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: unwrap session key: %w", err)
	}
	defer zeroBytes(session)

	plain, err := openSession(session, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

func (r *RDH) NeedInstKeys() bool {
	return !r.HasInstSigKey() || !r.HasInstEncKey()
}

func (r *RDH) NeedUserKeys() bool {
	return !r.HasMySigKey() || !r.HasMyEncKey()
}

func (r *RDH) HasInstSigKey() bool {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	return r.instSig != nil
}

func (r *RDH) HasInstEncKey() bool {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	return r.instEnc != nil
}

func (r *RDH) HasMySigKey() bool {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	return r.mySig != nil
}

func (r *RDH) HasMyEncKey() bool {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	return r.myEnc != nil
}

// GenerateKeys creates new user key pairs without installing them.
func (r *RDH) GenerateKeys() (KeyPairs, error) {
	sig, err := rsa.GenerateKey(rand.Reader, r.keyBits)
	if err != nil {
		return KeyPairs{}, fmt.Errorf("generate signature key: %w", err)
	}
	enc, err := rsa.GenerateKey(rand.Reader, r.keyBits)
	if err != nil {
		return KeyPairs{}, fmt.Errorf("generate encryption key: %w", err)
	}
	return KeyPairs{Sig: sig, Enc: enc}, nil
}

func (r *RDH) SetUserKeys(keys KeyPairs) error {
	if keys.Sig == nil || keys.Enc == nil {
		return fmt.Errorf("set user keys: both key pairs are required")
	}
	r.keyMu.Lock()
	r.mySig, r.myEnc = keys.Sig, keys.Enc
	r.keyMu.Unlock()
	r.SetSigID(1)
	return nil
}

// LockKeys drops the user keys after the institute confirmed the lock.
func (r *RDH) LockKeys() {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	r.mySig, r.myEnc = nil, nil
}

func (r *RDH) SetInstKeys(sig, enc *rsa.PublicKey) {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	if sig != nil {
		r.instSig = sig
	}
	if enc != nil {
		r.instEnc = enc
	}
}

// PublicKeys returns the public halves of the user keys, nil when none are installed.
func (r *RDH) PublicKeys() (sig, enc *rsa.PublicKey) {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	if r.mySig != nil {
		sig = &r.mySig.PublicKey
	}
	if r.myEnc != nil {
		enc = &r.myEnc.PublicKey
	}
	return sig, enc
}
