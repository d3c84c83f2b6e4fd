// Package console answers callback questions on a terminal.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
)

var _ ports.Callback = (*Prompter)(nil)

var (
	promptStyle  = lipgloss.NewStyle().Bold(true)
	flickerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	hintStyle    = lipgloss.NewStyle().Faint(true)
)

// Prompter reads answers line by line. Secret answers are read without echo
// when the input is a terminal.
type Prompter struct {
	mu     sync.Mutex
	in     *bufio.Reader
	out    io.Writer
	fd     uintptr
	isTerm bool
}

func New(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{in: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(f.Fd()) {
		p.fd, p.isTerm = f.Fd(), true
	}
	return p
}

func (p *Prompter) Ask(ctx context.Context, req domain.CallbackRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Flicker != "" {
		fmt.Fprintln(p.out, flickerStyle.Render("Flicker code: "+req.Flicker))
	}
	for i, choice := range req.Choices {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, choice)
	}

	label := req.Prompt
	if label == "" {
		label = string(req.Reason)
	}
	fmt.Fprint(p.out, promptStyle.Render(label))
	if req.Default != "" {
		fmt.Fprint(p.out, " "+hintStyle.Render("["+req.Default+"]"))
	}
	fmt.Fprint(p.out, ": ")

	answer, err := p.read(req.Kind)
	if err != nil {
		return "", fmt.Errorf("read answer for %s: %w", req.Reason, err)
	}
	if answer == "" {
		answer = req.Default
	}
	return pickChoice(answer, req.Choices), nil
}

func (p *Prompter) read(kind domain.AnswerKind) (string, error) {
	if kind == domain.AnswerSecret && p.isTerm {
		secret, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}

	line, err := p.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// pickChoice maps a 1-based menu number to the code in front of the
// choice's colon. Anything else is returned as typed.
func pickChoice(answer string, choices []string) string {
	for _, choice := range choices {
		code, _, _ := strings.Cut(choice, ":")
		if answer == code {
			return code
		}
	}
	n, err := strconv.Atoi(answer)
	if err != nil || n < 1 || n > len(choices) {
		return answer
	}
	code, _, _ := strings.Cut(choices[n-1], ":")
	return code
}
