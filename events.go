package dialogdriver

import "context"

// EventKind names one of the events the driver emits toward the UI/
// observability layer consuming it through EventBus.
type EventKind string

const (
	EventEndOfUserSaying    EventKind = "end_of_user_saying_evt"
	EventNewQ4HAsked        EventKind = "new_q4h_asked"
	EventDiligenceBudget    EventKind = "diligence_budget_evt"
	EventRunStateResumed    EventKind = "resumed"
	EventRunStateInterrupted EventKind = "interrupted"
	EventTeammateResponse   EventKind = "teammate_response_evt"
	EventMarkdownRender     EventKind = "markdown_render_evt"
	EventStreamError        EventKind = "stream_error_evt"
	EventDomindsBubble      EventKind = "dominds_bubble_evt"
)

// DiligenceBudgetPayload is the payload of an EventDiligenceBudget event.
type DiligenceBudgetPayload struct {
	MaxInjectCount       int
	InjectedCount        int
	RemainingCount       int
	DisableDiligencePush bool
}

// DialogEvent is one event posted about a dialog's activity. Only the
// fields relevant to Kind are populated.
type DialogEvent struct {
	Kind     EventKind
	DialogID DialogID

	Course           int
	GenSeq           int
	MsgID            string
	Content          string
	Grammar          Grammar
	UserLanguageCode string

	Question  *HumanQuestion
	Diligence *DiligenceBudgetPayload

	InterruptReason InterruptReason
	Detail          string
}

// EventBus delivers dialog events to the embedding application's UI and
// observability layers. The driver never interprets delivery outcomes;
// PostDialogEvent is fire-and-forget from the driver's perspective.
type EventBus interface {
	PostDialogEvent(ctx context.Context, evt DialogEvent)
}

// NopEventBus discards every event. Useful as a default and in tests that
// don't assert on emitted events.
type NopEventBus struct{}

func (NopEventBus) PostDialogEvent(context.Context, DialogEvent) {}
