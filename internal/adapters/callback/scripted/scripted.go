// Package scripted answers callback questions from a YAML file, for
// unattended runs.
//
//	answers:
//	  need_pin: ["1234"]
//	  need_tan: ["555555", "666666"]
//
// Answers for a reason are handed out in order; the last one repeats.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
)

var _ ports.Callback = (*Callback)(nil)

var ErrNoAnswer = errors.New("no scripted answer")

type script struct {
	Answers map[domain.Reason][]string `yaml:"answers"`
}

type Callback struct {
	mu       sync.Mutex
	answers  map[domain.Reason][]string
	fallback ports.Callback
}

func New(answers map[domain.Reason][]string) *Callback {
	c := &Callback{answers: map[domain.Reason][]string{}}
	for reason, list := range answers {
		c.answers[reason] = append([]string(nil), list...)
	}
	return c
}

func Load(r io.Reader) (*Callback, error) {
	var s script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode answer script: %w", err)
	}
	return New(s.Answers), nil
}

func LoadFile(path string) (*Callback, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open answer script: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// WithFallback asks cb for reasons the script does not cover.
func (c *Callback) WithFallback(cb ports.Callback) *Callback {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = cb
	return c
}

func (c *Callback) Ask(ctx context.Context, req domain.CallbackRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	list := c.answers[req.Reason]
	fallback := c.fallback
	if len(list) > 1 {
		c.answers[req.Reason] = list[1:]
	}
	c.mu.Unlock()

	if len(list) > 0 {
		return list[0], nil
	}
	if fallback != nil {
		return fallback.Ask(ctx, req)
	}
	if req.Default != "" {
		return req.Default, nil
	}
	return "", fmt.Errorf("%w for %s", ErrNoAnswer, req.Reason)
}
