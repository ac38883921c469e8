package dialogdriver

import (
	"context"
	"time"
)

// Problem is a workspace-visible record of a terminal failure surfaced
// against a dialog, keyed by dialog id so an embedding UI can show it
// without re-deriving the error from logs.
type Problem struct {
	DialogID   DialogID
	Kind       string
	Detail     string
	OccurredAt time.Time
}

// DialogMetadata is the minimal persisted identity of a dialog the driver
// needs without loading its full message history — which agent owns it,
// its dialog kind, and (for subdialogs) its assignment.
type DialogMetadata struct {
	ID         DialogID
	Kind       DialogKind
	AgentID    string
	Assignment *SubdialogAssignment
}

// Persistence is the pure I/O facade the driver consumes; its concrete
// backend (file layout, database, directory format) is out of scope and
// supplied by the embedding application. Every mutating method must be
// idempotent at its record key (responseId, subdialogId, questionId) since
// the driver may retry a persistence call after a crash mid-write.
type Persistence interface {
	// LoadDialogLatest returns the last persisted snapshot of a dialog
	// (messages, course, genseq, run state), or a zero-value snapshot with
	// ok=false if none exists yet.
	LoadDialogLatest(ctx context.Context, id DialogID) (*Dialog, bool, error)

	// SaveDialogLatest persists the full current snapshot of a dialog.
	SaveDialogLatest(ctx context.Context, d *Dialog) error

	// SetDialogRunState persists a dialog's run state. Never called with a
	// state that would overwrite RunDead; callers must check IsDead first.
	SetDialogRunState(ctx context.Context, id DialogID, state RunState) error

	// AppendQuestion4HumanState persists a new pending human question.
	AppendQuestion4HumanState(ctx context.Context, owner DialogID, q HumanQuestion) error

	// LoadPendingQuestion4Human returns the owner's currently pending
	// question, if any.
	LoadPendingQuestion4Human(ctx context.Context, owner DialogID) (*HumanQuestion, bool, error)

	// ClearQuestion4Human removes the owner's pending question (answered).
	ClearQuestion4Human(ctx context.Context, owner DialogID) error

	// LoadPendingSubdialogs returns owner's pending-subdialog records.
	LoadPendingSubdialogs(ctx context.Context, owner DialogID) ([]PendingSubdialogRecord, error)

	// SavePendingSubdialogs replaces owner's pending-subdialog records.
	SavePendingSubdialogs(ctx context.Context, owner DialogID, recs []PendingSubdialogRecord) error

	// MutatePendingSubdialogs loads, applies fn, and saves owner's
	// pending-subdialog records as one logical step under the caller's
	// suspension-state lock.
	MutatePendingSubdialogs(ctx context.Context, owner DialogID, fn func([]PendingSubdialogRecord) []PendingSubdialogRecord) error

	// LoadSubdialogResponsesQueue returns owner's queued, undelivered
	// subdialog responses in FIFO append order.
	LoadSubdialogResponsesQueue(ctx context.Context, owner DialogID) ([]SubdialogResponseRecord, error)

	// AppendSubdialogResponse durably enqueues one response for owner.
	AppendSubdialogResponse(ctx context.Context, owner DialogID, rec SubdialogResponseRecord) error

	// SaveSubdialogResponses replaces owner's response queue (used by take/rollback).
	SaveSubdialogResponses(ctx context.Context, owner DialogID, recs []SubdialogResponseRecord) error

	// LoadDialogMetadata returns identity metadata for id without the full history.
	LoadDialogMetadata(ctx context.Context, id DialogID) (DialogMetadata, error)

	// LoadRootDialogMetadata returns identity metadata for a root by id.
	LoadRootDialogMetadata(ctx context.Context, rootID string) (DialogMetadata, error)

	// SetNeedsDrive persists the needs-drive flag alongside a run-state
	// status, so a crash between flag and state write cannot be observed.
	SetNeedsDrive(ctx context.Context, id DialogID, flag bool, status RunState) error

	// UpdateSubdialogAssignment persists a Type B subdialog's new assignment
	// when it is resumed with a fresh tellask from its caller.
	UpdateSubdialogAssignment(ctx context.Context, id DialogID, assignment SubdialogAssignment) error

	// GetRootDialogPath returns an opaque, backend-specific location string
	// for a root dialog, surfaced to observers/UIs; the driver never
	// interprets it.
	GetRootDialogPath(rootID string) string

	// UpsertProblem persists a terminal problem record for a dialog,
	// replacing any existing record keyed by the same dialog id.
	UpsertProblem(ctx context.Context, p Problem) error
}

// TakenResponseQueue is the snapshot of an owner's response queue taken
// under its suspension-state lock at the start of a drive's first
// iteration, to be committed on a successful drive or rolled back on
// generation error.
type TakenResponseQueue struct {
	Owner    DialogID
	Taken    []SubdialogResponseRecord
	persist  Persistence
}

// TakeSubdialogResponses atomically empties owner's response queue under
// its suspension-state lock and returns it for context assembly, together
// with the queue it emptied from (for rollback).
func TakeSubdialogResponses(ctx context.Context, persist Persistence, locks *LockTable, owner DialogID) (TakenResponseQueue, error) {
	var taken []SubdialogResponseRecord
	err := locks.WithSuspensionLock(owner, func() error {
		recs, err := persist.LoadSubdialogResponsesQueue(ctx, owner)
		if err != nil {
			return err
		}
		taken = recs
		return persist.SaveSubdialogResponses(ctx, owner, nil)
	})
	return TakenResponseQueue{Owner: owner, Taken: taken, persist: persist}, err
}

// Commit finalizes a successful drive's consumption of the taken queue: a
// no-op, since the queue was already cleared at take time.
func (q TakenResponseQueue) Commit(ctx context.Context) error { return nil }

// Rollback restores the taken records to the owner's queue after a
// generation error, so they are redelivered on the next drive.
func (q TakenResponseQueue) Rollback(ctx context.Context, locks *LockTable) error {
	if len(q.Taken) == 0 {
		return nil
	}
	return locks.WithSuspensionLock(q.Owner, func() error {
		existing, err := q.persist.LoadSubdialogResponsesQueue(context.Background(), q.Owner)
		if err != nil {
			return err
		}
		merged := append(append([]SubdialogResponseRecord{}, q.Taken...), existing...)
		return q.persist.SaveSubdialogResponses(context.Background(), q.Owner, merged)
	})
}
