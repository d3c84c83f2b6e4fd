package passport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/bnema/hbci-go/internal/domain"
)

const (
	stateFileMagic   = "HBCIPT2\n"
	kdfIterations    = 987
	defaultRetries   = 3
	stateFileMode    = 0o600
	stateDirMode     = 0o700
	statePatternTail = "_*"
)

var kdfSalt = []byte{0x26, 0x19, 0x38, 0xa7, 0x99, 0xbc, 0xf1, 0x55}

var errStateAuth = errors.New("state file authentication failed")

type passphraseAsker func(ctx context.Context, reason domain.Reason) (string, error)

// vault reads and writes the encrypted state file of one security context.
type vault struct {
	mu      sync.Mutex
	path    string
	retries int
	atomic  bool
	key     []byte
}

func newVault(opts Options) *vault {
	retries := opts.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	return &vault{path: opts.Path, retries: retries, atomic: opts.AtomicSave}
}

func (v *vault) exists() bool {
	if v == nil || v.path == "" {
		return false
	}
	info, err := os.Stat(v.path)
	return err == nil && !info.IsDir()
}

// load asks for the passphrase until the file opens or the retries run out.
func (v *vault) load(ctx context.Context, ask passphraseAsker) ([]byte, error) {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	for attempt := 0; attempt < v.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pass, err := ask(ctx, domain.ReasonNeedPassphraseLoad)
		if err != nil {
			return nil, err
		}

		key := deriveKey(pass)
		plain, err := openState(key, raw)
		if errors.Is(err, errStateAuth) {
			zeroBytes(key)
			continue
		}
		if err != nil {
			zeroBytes(key)
			return nil, err
		}

		v.mu.Lock()
		v.setKeyLocked(key)
		v.mu.Unlock()
		return plain, nil
	}

	return nil, fmt.Errorf("open state file %s: %w", v.path, domain.ErrInvalidPassphrase)
}

// save writes plain encrypted under the held key, asking for a new passphrase when none is held.
func (v *vault) save(ctx context.Context, ask passphraseAsker, plain []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.Lock()
	key := v.key
	v.mu.Unlock()

	if key == nil {
		pass, err := ask(ctx, domain.ReasonNeedPassphraseSave)
		if err != nil {
			return err
		}
		key = deriveKey(pass)
		v.mu.Lock()
		v.setKeyLocked(key)
		v.mu.Unlock()
	}

	sealed, err := sealState(key, plain)
	if err != nil {
		return err
	}
	return v.write(sealed)
}

func (v *vault) write(data []byte) error {
	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, stateDirMode); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(v.path)+statePatternTail)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if err := tmp.Chmod(stateFileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if v.atomic {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			cleanup()
			return fmt.Errorf("sync temp state file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state file: %w", err)
	}

	if !v.atomic {
		if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			cleanup()
			return fmt.Errorf("remove old state file: %w", err)
		}
	}
	if err := os.Rename(tmpName, v.path); err != nil {
		cleanup()
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (v *vault) forget() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setKeyLocked(nil)
}

func (v *vault) setKeyLocked(key []byte) {
	if v.key != nil {
		zeroBytes(v.key)
	}
	v.key = key
}

func deriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), kdfSalt, kdfIterations, chacha20poly1305.KeySize, sha256.New)
}

func sealState(key, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init state cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate state nonce: %w", err)
	}

	out := make([]byte, 0, len(stateFileMagic)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, stateFileMagic...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, []byte(stateFileMagic)), nil
}

func openState(key, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), stateFileMagic) {
		return nil, fmt.Errorf("state file has unknown format")
	}
	data = data[len(stateFileMagic):]
	if len(data) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("state file is truncated")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init state cipher: %w", err)
	}
	nonce, ciphertext := data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(stateFileMagic))
	if err != nil {
		return nil, errStateAuth
	}
	return plain, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// recordWriter writes the ordered record stream of a state file.
type recordWriter struct {
	buf bytes.Buffer
	enc *gob.Encoder
	err error
}

func newRecordWriter() *recordWriter {
	w := &recordWriter{}
	w.enc = gob.NewEncoder(&w.buf)
	return w
}

func (w *recordWriter) put(v any) {
	if w.err != nil {
		return
	}
	if err := w.enc.Encode(v); err != nil {
		w.err = fmt.Errorf("encode state record: %w", err)
	}
}

func (w *recordWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

type recordReader struct {
	dec *gob.Decoder
	err error
	eof bool
}

func newRecordReader(plain []byte) *recordReader {
	return &recordReader{dec: gob.NewDecoder(bytes.NewReader(plain))}
}

func (r *recordReader) get(v any) {
	if r.err != nil {
		return
	}
	if err := r.dec.Decode(v); err != nil {
		r.err = fmt.Errorf("decode state record: %w", err)
	}
}

// optional reads a record written by newer versions only; files that end before it keep v as is.
func (r *recordReader) optional(v any) {
	if r.err != nil || r.eof {
		return
	}
	if err := r.dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			r.eof = true
			return
		}
		r.err = fmt.Errorf("decode state record: %w", err)
	}
}
