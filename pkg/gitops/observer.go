package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/entrhq/autocoder/pkg/executor/controller"
	"github.com/entrhq/autocoder/pkg/executor/session"
)

// Observer commits after every iteration. Git failures are logged and never
// stop the loop.
type Observer struct {
	Manager *Manager
	// Message is the commit message; a %s verb receives the session id.
	Message string
	// OnSync, when set, receives every successful sync.
	OnSync func(controller.IterationRecord, SyncResult)
}

var _ controller.Observer = (*Observer)(nil)

// IterationFinished syncs the work of the finished session.
func (o *Observer) IterationFinished(ctx context.Context, rec controller.IterationRecord, res session.Result) {
	synced, err := o.Manager.Sync(ctx, o.message(rec, res))
	if err != nil {
		o.Manager.log.Warnf("iteration %d: git sync failed: %v", rec.Index, err)
		return
	}
	if o.OnSync != nil {
		o.OnSync(rec, synced)
	}
}

func (o *Observer) message(rec controller.IterationRecord, res session.Result) string {
	subject := o.Message
	if subject == "" {
		subject = "chore: autocoder session %s"
	}
	if strings.Contains(subject, "%s") {
		subject = fmt.Sprintf(subject, rec.SessionID)
	}
	return fmt.Sprintf("%s\n\nIteration %d finished as %s (%s).", subject, rec.Index, rec.Status, res.Outcome)
}
