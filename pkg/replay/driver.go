// Package replay reconstructs guest state by re-applying journal entries in
// order to a fresh runtime instance. Restore either completes fully or fails
// explicitly; a target is never left silently half-reconstructed.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wasmkeel/keel/pkg/journal"
)

// State is the lifecycle phase of a restore session.
type State string

const (
	// StateScanning locates the most recent complete checkpoint bracket.
	StateScanning State = "SCANNING"
	// StateReplaying applies entries sequentially.
	StateReplaying State = "REPLAYING"
	// StateDone means the target fully reconstructed prior state.
	StateDone State = "DONE"
	// StateFailed means the target must not be resumed.
	StateFailed State = "FAILED"
)

// Applier applies one entry to the runtime being reconstructed. It must not
// re-emit the entry into any active journal.
type Applier interface {
	Apply(ctx context.Context, e *journal.Entry) error
}

// Session tracks one restore through the state machine.
type Session struct {
	SessionID   string    `json:"session_id"`
	State       State     `json:"state"`
	StartOffset int       `json:"start_offset"`
	Scanned     int       `json:"scanned"`
	Applied     int       `json:"applied"`
	Skipped     int       `json:"skipped"`
	Failure     string    `json:"failure,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Driver runs restore sessions.
type Driver struct {
	log   *slog.Logger
	clock func() time.Time
}

// NewDriver creates a replay driver.
func NewDriver() *Driver {
	return &Driver{
		log:   slog.Default().With("component", "replay"),
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (d *Driver) WithClock(clock func() time.Time) *Driver {
	d.clock = clock
	return d
}

// Restore scans the stream for the last complete checkpoint bracket, then
// replays from it (or from the start when no bracket exists) into app.
// Reads are single-threaded and sequential; scanning and replaying use
// independent restarted cursors so the caller's cursor is undisturbed.
//
// On failure the returned error is non-nil and the session records the
// reason; the applier's target is not ready and must not be resumed.
// Cancellation via ctx aborts between entries, never mid-entry.
func (d *Driver) Restore(ctx context.Context, r journal.Readable, app Applier) (*Session, error) {
	session := &Session{
		SessionID: "restore-" + uuid.NewString(),
		State:     StateScanning,
		StartedAt: d.clock(),
	}

	startOffset, scanned, err := d.scan(r)
	if err != nil {
		return d.fail(session, fmt.Errorf("scan: %w", err))
	}
	session.StartOffset = startOffset
	session.Scanned = scanned

	d.log.Info("restore starting",
		"session", session.SessionID,
		"entries", scanned,
		"start_offset", startOffset)

	session.State = StateReplaying
	if err := d.apply(ctx, r, app, session); err != nil {
		return d.fail(session, err)
	}

	session.State = StateDone
	session.CompletedAt = d.clock()
	d.log.Info("restore complete",
		"session", session.SessionID,
		"applied", session.Applied,
		"skipped", session.Skipped)
	return session, nil
}

// scan locates the index of the checkpoint-begin of the last complete
// begin/end pair. It returns 0 when the stream holds no complete bracket,
// meaning replay starts from the beginning.
func (d *Driver) scan(r journal.Readable) (startOffset, scanned int, err error) {
	cursor, err := r.AsRestarted()
	if err != nil {
		return 0, 0, err
	}
	defer cursor.Close()

	openIdx := -1
	openID := ""
	lastComplete := 0

	idx := 0
	for {
		e, err := cursor.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lastComplete, idx, nil
			}
			return 0, idx, err
		}

		switch p := e.Payload.(type) {
		case journal.CheckpointBegin:
			openIdx = idx
			openID = p.ID
		case journal.CheckpointEnd:
			if openIdx >= 0 && openID == p.ID {
				lastComplete = openIdx
			}
			openIdx = -1
		}
		idx++
	}
}

func (d *Driver) apply(ctx context.Context, r journal.Readable, app Applier, session *Session) error {
	cursor, err := r.AsRestarted()
	if err != nil {
		return err
	}
	defer cursor.Close()

	for i := 0; i < session.StartOffset; i++ {
		if _, err := cursor.Read(); err != nil {
			return fmt.Errorf("skip to checkpoint: %w", err)
		}
	}

	insideBracket := false
	idx := session.StartOffset
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("restore aborted at entry %d: %w", idx, err)
		}

		e, err := cursor.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if insideBracket {
					return &journal.SerializationError{
						Seq:    uint64(idx),
						Reason: "stream ends inside checkpoint bracket",
					}
				}
				return nil
			}
			return err
		}

		switch e.Payload.(type) {
		case journal.CheckpointBegin:
			insideBracket = true
		case journal.CheckpointEnd:
			insideBracket = false
		case journal.Unknown:
			// Forward compatibility: unknown entries are skippable unless a
			// checkpoint bracket depends on them.
			if insideBracket {
				return &journal.SerializationError{
					Seq:    e.Seq,
					Reason: "unknown entry inside checkpoint bracket",
				}
			}
			session.Skipped++
			idx++
			continue
		}

		if err := app.Apply(ctx, e); err != nil {
			return fmt.Errorf("apply %s at entry %d: %w", e.Kind(), idx, err)
		}
		session.Applied++
		idx++
	}
}

func (d *Driver) fail(session *Session, err error) (*Session, error) {
	session.State = StateFailed
	session.Failure = err.Error()
	session.CompletedAt = d.clock()
	d.log.Error("restore failed", "session", session.SessionID, "error", err)
	return session, err
}
