package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/bnema/hbci-go/internal/domain"
)

type FaultAction string

const (
	FaultRaise    FaultAction = "raise"
	FaultIgnore   FaultAction = "ignore"
	FaultCallback FaultAction = "callback"
)

func ParseFaultAction(raw string) (FaultAction, error) {
	switch action := FaultAction(strings.ToLower(strings.TrimSpace(raw))); action {
	case FaultRaise, FaultIgnore, FaultCallback:
		return action, nil
	case "":
		return FaultRaise, nil
	default:
		return "", fmt.Errorf("unknown fault action %q", raw)
	}
}

// FaultPolicy maps a fault class to its handling. Classes not listed are raised.
type FaultPolicy map[domain.FaultClass]FaultAction

func (p FaultPolicy) action(class domain.FaultClass) FaultAction {
	if action, ok := p[class]; ok {
		return action
	}
	return FaultRaise
}

// faultHandler returns the hook jobs use to report downgradable faults.
func (h *Handler) faultHandler(ctx context.Context) func(*domain.ValidationError) error {
	return func(verr *domain.ValidationError) error {
		switch h.policy.action(verr.Class) {
		case FaultIgnore:
			h.logger.Warn("ignoring fault", "class", string(verr.Class), "error", verr.Error())
			return nil
		case FaultCallback:
			answer, err := h.callback.Ask(ctx, domain.CallbackRequest{
				Reason:  domain.ReasonErrorConfirm,
				Prompt:  verr.Error() + "\nIgnore and continue? (y/N)",
				Kind:    domain.AnswerText,
				Default: "n",
			})
			if err != nil {
				return fmt.Errorf("confirm fault: %w", err)
			}
			switch strings.ToLower(strings.TrimSpace(answer)) {
			case "y", "yes":
				h.logger.Warn("fault ignored on request", "class", string(verr.Class), "error", verr.Error())
				return nil
			}
			return verr
		default:
			return verr
		}
	}
}
