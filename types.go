package dialogdriver

import "time"

// DialogID identifies a dialog within the graph. A dialog is a root iff
// SelfID == RootID; otherwise it is a subdialog of that root.
type DialogID struct {
	SelfID string
	RootID string
}

// IsRoot reports whether this id names a root dialog.
func (id DialogID) IsRoot() bool { return id.SelfID == id.RootID }

// Key returns the registry key "rootId/selfId" used to look up a dialog
// without retaining a pointer to it.
func (id DialogID) Key() string { return id.RootID + "/" + id.SelfID }

// CallType classifies a tellask call's subdialog relationship.
type CallType int

const (
	// CallTypeA suspends the caller and synchronously drives its own
	// supdialog for one course.
	CallTypeA CallType = iota
	// CallTypeB looks up or creates a registered, resumable subdialog
	// keyed by {targetAgentId, tellaskSession}.
	CallTypeB
	// CallTypeC creates a transient, unregistered subdialog.
	CallTypeC
)

func (c CallType) String() string {
	switch c {
	case CallTypeA:
		return "A"
	case CallTypeB:
		return "B"
	case CallTypeC:
		return "C"
	default:
		return "unknown"
	}
}

// Grammar names how a prompting message's content should be interpreted.
type Grammar int

const (
	GrammarMarkdown Grammar = iota
	GrammarTellask
)

// MessageKind discriminates the ChatMessage variants of the dialog history.
// A closed tagged-variant replaces the duck-typed message union the system
// is modeled on; callers switch on Kind rather than testing field presence.
type MessageKind int

const (
	MsgPrompting MessageKind = iota
	MsgEnvironment
	MsgTransientGuide
	MsgSaying
	MsgThinking
	MsgFuncCall
	MsgFuncResult
	MsgTellaskResult
	MsgUIOnlyMarkdown
)

// Role returns the conversational role this message kind is presented with
// to the LLM provider.
func (k MessageKind) Role() string {
	switch k {
	case MsgPrompting, MsgEnvironment:
		return "user"
	case MsgTransientGuide, MsgSaying, MsgThinking, MsgFuncCall:
		return "assistant"
	case MsgFuncResult, MsgTellaskResult:
		return "tool"
	default:
		return "assistant"
	}
}

// ChatMessage is one entry in a dialog's history. Fields not meaningful to
// a given Kind are left zero; Kind is the discriminant.
type ChatMessage struct {
	Kind MessageKind

	// prompting_msg
	MsgID   string
	Grammar Grammar

	// saying_msg / thinking_msg / func_call_msg / func_result_msg share GenSeq
	GenSeq int

	// saying_msg / thinking_msg / transient_guide_msg / environment_msg content
	Content string

	// func_call_msg / func_result_msg
	CallID    string
	Name      string
	Arguments string

	// tellask_result_msg
	ResponderID string
	TellaskHead string
	Status      string

	CreatedAt time.Time
}

// PromptingMessage constructs a user prompting_msg.
func PromptingMessage(msgID, content string, grammar Grammar, genSeq int) ChatMessage {
	return ChatMessage{Kind: MsgPrompting, MsgID: msgID, Content: content, Grammar: grammar, GenSeq: genSeq, CreatedAt: time.Now()}
}

// EnvironmentMessage constructs a synthetic user environment_msg.
func EnvironmentMessage(content string) ChatMessage {
	return ChatMessage{Kind: MsgEnvironment, Content: content, CreatedAt: time.Now()}
}

// TransientGuideMessage constructs an assistant transient_guide_msg, not
// retained long-term in persisted history summaries.
func TransientGuideMessage(content string) ChatMessage {
	return ChatMessage{Kind: MsgTransientGuide, Content: content, CreatedAt: time.Now()}
}

// SayingMessage constructs an assistant saying_msg.
func SayingMessage(content string, genSeq int) ChatMessage {
	return ChatMessage{Kind: MsgSaying, Content: content, GenSeq: genSeq, CreatedAt: time.Now()}
}

// ThinkingMessage constructs an assistant thinking_msg.
func ThinkingMessage(content string, genSeq int) ChatMessage {
	return ChatMessage{Kind: MsgThinking, Content: content, GenSeq: genSeq, CreatedAt: time.Now()}
}

// FuncCallMessage constructs an assistant func_call_msg.
func FuncCallMessage(callID, name, arguments string, genSeq int) ChatMessage {
	return ChatMessage{Kind: MsgFuncCall, CallID: callID, Name: name, Arguments: arguments, GenSeq: genSeq, CreatedAt: time.Now()}
}

// FuncResultMessage constructs a tool func_result_msg sharing its call's id and genseq.
func FuncResultMessage(callID, name, content string, genSeq int) ChatMessage {
	return ChatMessage{Kind: MsgFuncResult, CallID: callID, Name: name, Content: content, GenSeq: genSeq, CreatedAt: time.Now()}
}

// TellaskResultMessage constructs a tool tellask_result_msg reporting a
// teammate's or supdialog's reply.
func TellaskResultMessage(responderID, tellaskHead, status, content string) ChatMessage {
	return ChatMessage{Kind: MsgTellaskResult, ResponderID: responderID, TellaskHead: tellaskHead, Status: status, Content: content, CreatedAt: time.Now()}
}

// UIOnlyMarkdownMessage constructs a message never sent to the LLM; filtered
// at context-assembly time.
func UIOnlyMarkdownMessage(content string) ChatMessage {
	return ChatMessage{Kind: MsgUIOnlyMarkdown, Content: content, CreatedAt: time.Now()}
}

// Reminder is an owner-rendered or default-formatted context item injected
// immediately before the last user message in every non-empty iteration.
type Reminder struct {
	ID      string
	Owner   string // tool name that owns this reminder, or "" for default rendering
	Content string
}

// SubdialogAssignment records what a subdialog was spawned to do and where
// its reply is headed.
type SubdialogAssignment struct {
	TellaskHead       string
	TellaskBody       string
	OriginMemberID    string
	CallerDialogID    DialogID
	CallID            string
	CollectiveTargets []string
}

// PendingSubdialogRecord is kept per owner (caller) dialog, tracking a
// subdialog whose response has not yet been queued.
type PendingSubdialogRecord struct {
	SubdialogID    DialogID
	CreatedAt      time.Time
	TellaskHead    string
	TargetAgentID  string
	CallType       CallType
	TellaskSession string // empty unless CallType == CallTypeB
}

// SubdialogResponseRecord is queued for the parent dialog to consume on its
// next revival.
type SubdialogResponseRecord struct {
	ResponseID     string
	SubdialogID    DialogID
	Response       string
	CompletedAt    time.Time
	CallType       CallType
	TellaskHead    string
	ResponderID    string
	OriginMemberID string
	CallID         string
}

// CallSiteRef locates the assistant turn that asked a human question.
type CallSiteRef struct {
	Course       int
	MessageIndex int
}

// HumanQuestion is a pending "Question for Human" suspension record.
type HumanQuestion struct {
	ID          string
	TellaskHead string
	BodyContent string
	AskedAt     time.Time
	CallID      string
	CallSiteRef CallSiteRef
}

// HealthLevel classifies a context-health snapshot.
type HealthLevel int

const (
	HealthHealthy HealthLevel = iota
	HealthCaution
	HealthCritical
)

func (l HealthLevel) String() string {
	switch l {
	case HealthHealthy:
		return "healthy"
	case HealthCaution:
		return "caution"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ContextHealthSnapshot is either unavailable (usage/limits could not be
// computed) or a full reading with level classification.
type ContextHealthSnapshot struct {
	Available bool
	Reason    string // set when !Available

	PromptTokens int
	ModelLimit   int
	Level        HealthLevel
	HardUtil     float64
	OptimalUtil  float64
}

// HumanPrompt is an externally supplied prompt for a drive iteration.
type HumanPrompt struct {
	MsgID        string
	Content      string
	Grammar      Grammar
	SkipTaskdoc  bool
	LanguageCode string
}
