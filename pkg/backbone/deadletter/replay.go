package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// ErrNotReplayable indicates a record that cannot be re-run, such as an
// undecodable message or a group without a target.
var ErrNotReplayable = errors.New("dead-letter record not replayable")

// Target re-runs one handler for one event, ignoring the dead-letter
// state of the pair.
type Target interface {
	Redeliver(ctx context.Context, evt event.Event, handler string) error
}

// Replayer re-dispatches dead-lettered events on operator request.
type Replayer struct {
	queue   Queue
	targets map[string]Target
	logger  *slog.Logger
}

// NewReplayer creates a replayer routing records to the target of their
// consumer group.
func NewReplayer(queue Queue, targets map[string]Target, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	copied := make(map[string]Target, len(targets))
	for group, t := range targets {
		copied[group] = t
	}
	return &Replayer{queue: queue, targets: copied, logger: logger}
}

// Replay re-runs the handler of record id. On success the record is
// resolved; on failure the attempt is recorded and the error returned.
// Replaying a resolved record is a no-op.
func (r *Replayer) Replay(ctx context.Context, id string) error {
	rec, err := r.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Resolved() {
		return nil
	}
	if rec.Handler == "" || rec.Event.ID == "" {
		return fmt.Errorf("%w: %s has no decodable event", ErrNotReplayable, id)
	}
	target, ok := r.targets[rec.Group]
	if !ok {
		return fmt.Errorf("%w: no target for group %s", ErrNotReplayable, rec.Group)
	}

	logger := r.logger.With(
		slog.String("dead_letter_id", id),
		slog.String("group", rec.Group),
		slog.String("handler", rec.Handler),
		slog.String("event_id", rec.Event.ID),
	)

	if err := target.Redeliver(ctx, rec.Event, rec.Handler); err != nil {
		logger.Warn("replay failed", slog.String("error", err.Error()))
		if recErr := r.queue.RecordFailure(ctx, id, err.Error()); recErr != nil {
			return errors.Join(err, recErr)
		}
		return err
	}

	logger.Info("replay succeeded")
	return r.queue.Resolve(ctx, id)
}

// ReplayAll replays every unresolved record matching filter and returns
// how many succeeded. Failures are logged and do not stop the run.
func (r *Replayer) ReplayAll(ctx context.Context, filter Filter) (int, error) {
	filter.IncludeResolved = false
	recs, err := r.queue.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := r.Replay(ctx, rec.ID); err != nil {
			continue
		}
		replayed++
	}
	return replayed, nil
}
