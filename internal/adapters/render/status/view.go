package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/hbci-go/internal/domain"
)

type RenderOptions struct {
	Now time.Time
	// Verbose adds every return value of init, body and end messages.
	Verbose bool
}

func renderExec(exec *domain.ExecStatus, opts RenderOptions, s styles) string {
	if exec == nil {
		return s.empty.Render("No execution status available.")
	}

	ids := exec.CustomerIDs()
	lines := []string{
		s.title.Render("HBCI Execution"),
		s.header.Render(fmt.Sprintf("dialogs: %d  outcome: ", len(ids))) + outcomeStyle(exec.Outcome(), s).Render(string(exec.Outcome())),
	}

	if len(ids) == 0 {
		lines = append(lines, s.empty.Render("No dialogs were executed."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, id := range ids {
		lines = append(lines, s.section.Render(renderCustomer(exec, id, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderCustomer(exec *domain.ExecStatus, id string, opts RenderOptions, s styles) string {
	outcome := exec.OutcomeFor(id)
	title := lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.customer.Render(customerTitle(id)),
		" ",
		outcomeStyle(outcome, s).Render("["+string(outcome)+"]"),
	)
	parts := []string{title}

	dialog, ok := exec.DialogStatus(id)
	if ok {
		if dialog.DialogID != "" {
			parts = append(parts, s.meta.Render("dialog "+dialog.DialogID))
		}
		parts = append(parts, messageLines("init", dialog.Init, opts, s)...)
		for _, msg := range dialog.Messages {
			parts = append(parts, messageLines(fmt.Sprintf("msg %d", msg.MsgNum), msg, opts, s)...)
		}
		parts = append(parts, messageLines("end", dialog.End, opts, s)...)
		for _, job := range dialog.Jobs {
			parts = append(parts, jobLine(job, s))
		}
	}

	if err := exec.Fault(id); err != nil {
		parts = append(parts, s.warning.Render("fault: "+err.Error()))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func customerTitle(id string) string {
	if id == "" {
		return "(default customer)"
	}
	return "customer " + id
}

// messageLines shows errors and warnings always, successes only when verbose.
func messageLines(label string, msg domain.MessageStatus, opts RenderOptions, s styles) []string {
	var lines []string
	for _, rv := range msg.RetVals {
		switch {
		case rv.IsError():
			lines = append(lines, s.label.Render(label+":")+" "+s.faulted.Render(rv.String()))
		case rv.IsWarning():
			lines = append(lines, s.label.Render(label+":")+" "+s.partial.Render(rv.String()))
		case opts.Verbose:
			lines = append(lines, s.label.Render(label+":")+" "+s.detail.Render(rv.String()))
		}
	}
	if msg.Err != nil {
		lines = append(lines, s.label.Render(label+":")+" "+s.warning.Render("error: "+msg.Err.Error()))
	}
	return lines
}

func jobLine(job domain.JobOutcome, s styles) string {
	line := s.label.Render("job "+job.Name+":") + " " + jobStatusStyle(job.Status, s).Render(job.Status.String())
	if len(job.RetVals) == 0 {
		return line
	}
	texts := make([]string, 0, len(job.RetVals))
	for _, rv := range job.RetVals {
		texts = append(texts, rv.String())
	}
	return line + " " + s.meta.Render("("+strings.Join(texts, "; ")+")")
}

func renderHistory(entries []domain.JournalEntry, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Execution History"),
		s.header.Render(fmt.Sprintf("entries: %d", len(entries))),
	}

	if len(entries) == 0 {
		lines = append(lines, s.empty.Render("No executions recorded."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, entry := range entries {
		lines = append(lines, historyLine(entry, opts, s))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func historyLine(entry domain.JournalEntry, opts RenderOptions, s styles) string {
	line := lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.meta.Render(formatStarted(entry.StartedAt, opts.Now)),
		" ",
		s.customer.Render(customerTitle(entry.CustomerID)),
		" ",
		outcomeStyle(entry.Outcome, s).Render(string(entry.Outcome)),
		" ",
		s.detail.Render(fmt.Sprintf("%d job(s) in %s", entry.Jobs, formatDuration(entry.FinishedAt.Sub(entry.StartedAt)))),
	)
	if entry.Error != "" {
		line += " " + s.warning.Render(entry.Error)
	}
	return line
}

func formatStarted(at, now time.Time) string {
	if at.IsZero() {
		return "unknown"
	}
	if now.IsZero() {
		return at.Format(time.RFC3339)
	}

	yearA, monthA, dayA := now.Date()
	yearB, monthB, dayB := at.Date()
	if yearA == yearB && monthA == monthB && dayA == dayB {
		return at.Format("15:04:05")
	}

	return at.Format("02 Jan 15:04")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func outcomeStyle(outcome domain.Outcome, s styles) lipgloss.Style {
	switch outcome {
	case domain.OutcomeOK:
		return s.ok
	case domain.OutcomePartial:
		return s.partial
	default:
		return s.faulted
	}
}

func jobStatusStyle(status domain.JobStatus, s styles) lipgloss.Style {
	switch status {
	case domain.JobStatusOK:
		return s.ok
	case domain.JobStatusWarning:
		return s.partial
	case domain.JobStatusError:
		return s.faulted
	default:
		return s.meta
	}
}
