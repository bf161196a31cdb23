package agent

import (
	"context"
	"time"

	"github.com/franklinbaldo/julesched/internal/logging"
)

// SessionAPI is the subset of the client used by stuck handling.
type SessionAPI interface {
	ApprovePlan(ctx context.Context, id string) error
	SendMessage(ctx context.Context, id, prompt string) error
}

var _ SessionAPI = (*Client)(nil)

// StuckAction describes what Unstick did for a session.
type StuckAction string

const (
	// ActionNone means the session is not stuck or cannot be helped.
	ActionNone StuckAction = "none"
	// ActionApproved means a pending plan was auto-approved.
	ActionApproved StuckAction = "approved_plan"
	// ActionNudged means a reminder message was sent.
	ActionNudged StuckAction = "nudged"
	// ActionStuck means the session exceeded its window in a state no
	// intervention can help; the caller should skip it.
	ActionStuck StuckAction = "stuck"
)

// nudgePrompt is sent to sessions waiting on feedback nobody will give.
const nudgePrompt = "No human feedback is coming. Proceed with your best judgment, " +
	"finish the task, and publish a pull request with your changes."

// Unstick intervenes on a session that has been waiting longer than window
// without an observable outcome. Plans awaiting approval are approved;
// sessions awaiting feedback are told to proceed. Anything else past the
// window, like a hung IN_PROGRESS session, is declared stuck so the caller
// can skip it instead of waiting forever.
func Unstick(ctx context.Context, api SessionAPI, session *Session, window time.Duration, now time.Time, log *logging.Logger) (StuckAction, error) {
	if log == nil {
		log = logging.NopLogger()
	}
	if session.Done() {
		return ActionNone, nil
	}

	waiting := session.UpdateTime
	if waiting.IsZero() {
		waiting = session.CreateTime
	}
	if waiting.IsZero() || now.Sub(waiting) < window {
		return ActionNone, nil
	}

	switch session.State {
	case StateAwaitingPlanApproval:
		if err := api.ApprovePlan(ctx, session.ID()); err != nil {
			return ActionNone, err
		}
		log.Info("auto-approved stuck session plan", "session", session.ID())
		return ActionApproved, nil
	case StateAwaitingUserFeedback:
		if err := api.SendMessage(ctx, session.ID(), nudgePrompt); err != nil {
			return ActionNone, err
		}
		log.Info("nudged stuck session", "session", session.ID())
		return ActionNudged, nil
	default:
		log.Warn("session exceeded stuck window with no way to help",
			"session", session.ID(),
			"state", session.State,
			"waiting_since", waiting.Format(time.RFC3339))
		return ActionStuck, nil
	}
}
