// Package pass keeps passphrases in the pass(1) password store, one entry
// per profile key such as hbci/giro/passphrase.
package pass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
)

var ErrUnavailable = errors.New("pass command unavailable")

const missingEntryMarker = "is not in the password store"

// CommandError reports a failed pass invocation with its stderr.
type CommandError struct {
	Op     string
	Entry  string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("pass %s %q: %v", e.Op, e.Entry, e.Err)
	}
	return fmt.Sprintf("pass %s %q: %v: %s", e.Op, e.Entry, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type passRunner func(ctx context.Context, stdin string, args ...string) (stdout string, stderr string, err error)

type Store struct {
	run passRunner
}

var _ ports.SecretStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{run: execPass}
}

// Put replaces the entry; the passphrase is the only line written.
func (s *Store) Put(ctx context.Context, key string, value string) error {
	entry, err := entryName(ctx, key)
	if err != nil {
		return err
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("store passphrase %q: value spans several lines", entry)
	}

	if _, stderr, err := s.run(ctx, value+"\n", "insert", "--multiline", "--force", entry); err != nil {
		return &CommandError{Op: "insert", Entry: entry, Stderr: stderr, Err: err}
	}
	return nil
}

// Get returns the first line of the entry; pass entries may carry notes below it.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	entry, err := entryName(ctx, key)
	if err != nil {
		return "", err
	}

	stdout, stderr, err := s.run(ctx, "", "show", entry)
	if err != nil {
		if strings.Contains(stderr, missingEntryMarker) {
			return "", fmt.Errorf("%w: %q", domain.ErrSecretNotFound, entry)
		}
		return "", &CommandError{Op: "show", Entry: entry, Stderr: stderr, Err: err}
	}

	first, _, _ := strings.Cut(stdout, "\n")
	return strings.TrimSuffix(first, "\r"), nil
}

// Delete removes the entry. A missing entry is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	entry, err := entryName(ctx, key)
	if err != nil {
		return err
	}

	if _, stderr, err := s.run(ctx, "", "rm", "--force", entry); err != nil {
		if strings.Contains(stderr, missingEntryMarker) {
			return nil
		}
		return &CommandError{Op: "rm", Entry: entry, Stderr: stderr, Err: err}
	}
	return nil
}

// entryName cleans key into a relative pass entry name.
func entryName(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("secret key is empty")
	}
	entry := path.Clean(key)
	if path.IsAbs(entry) || entry == ".." || strings.HasPrefix(entry, "../") || strings.HasPrefix(entry, "-") {
		return "", fmt.Errorf("invalid secret key %q", key)
	}
	return entry, nil
}

func execPass(ctx context.Context, stdin string, args ...string) (string, string, error) {
	bin, err := exec.LookPath("pass")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", "", ErrUnavailable
		}
		return "", "", fmt.Errorf("locate pass command: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	err = cmd.Run()
	return stdout.String(), strings.TrimSpace(stderr.String()), err
}
