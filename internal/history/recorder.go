package history

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/CZERTAINLY/gulp/internal/orchestrator"
)

// Recorder stores task events of an Orchestrator. Failures to write are
// logged and otherwise ignored.
type Recorder struct {
	ctx context.Context
	db  *sql.DB
}

func NewRecorder(ctx context.Context, db *sql.DB) *Recorder {
	return &Recorder{ctx: ctx, db: db}
}

// Attach subscribes the recorder to every event of o. The returned func
// unsubscribes.
func (r *Recorder) Attach(o *orchestrator.Orchestrator) func() {
	return o.OnAll(r.Handle)
}

func (r *Recorder) Handle(e orchestrator.Event) {
	var err error
	switch e.Kind {
	case orchestrator.EventStart:
		err = Start(r.ctx, r.db, e.InvocationID, e.Name, e.Time)
	case orchestrator.EventEnd:
		err = FinishOK(r.ctx, r.db, e.InvocationID, e.Duration)
	case orchestrator.EventError:
		reason := "unknown"
		if e.Err != nil {
			reason = e.Err.Error()
		}
		err = FinishErr(r.ctx, r.db, e.InvocationID, reason, e.Duration)
	}
	if err != nil {
		slog.ErrorContext(r.ctx, "recording task history failed",
			"task", e.Name,
			"invocation", e.InvocationID,
			"event", e.Kind.String(),
			"error", err,
		)
	}
}
