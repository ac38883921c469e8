package dialogdriver

import "sync"

// DialogKind discriminates the Root/Sub dialog variant.
type DialogKind int

const (
	DialogRoot DialogKind = iota
	DialogSub
)

// RunStateKind is the coarse execution state of a dialog, broadcast to
// observers via markers.
type RunStateKind int

const (
	RunProceeding RunStateKind = iota
	RunIdleWaitingUser
	RunInterrupted
	RunDead
)

// InterruptReason names why a drive stopped without completing normally.
type InterruptReason int

const (
	StopNone InterruptReason = iota
	StopUser
	StopEmergency
	StopSystem
)

func (r InterruptReason) String() string {
	switch r {
	case StopUser:
		return "user_stop"
	case StopEmergency:
		return "emergency_stop"
	case StopSystem:
		return "system_stop"
	default:
		return "none"
	}
}

// RunState is the persisted run-state record for a dialog.
type RunState struct {
	Kind   RunStateKind
	Reason InterruptReason
	Detail string
}

// contextHealthFSM holds the per-dialog context-health remediation state
// machine fields named in the component design: the last classified level,
// the generation at which a caution guide was last injected, and the
// countdown remaining once critical.
type contextHealthFSM struct {
	lastSeenLevel                  HealthLevel
	lastCautionGuideInjectedAtGen  int
	criticalCountdownRemaining     int
	criticalCountdownInitialized   bool
}

// Dialog is the polymorphic Root/Sub dialog record. Rather than a class
// hierarchy tested with instanceof, the variant is a single struct
// discriminated by Kind; Sub-only and Root-only fields are guarded by
// accessor methods that report which kind they require.
type Dialog struct {
	mu sync.Mutex // guards the fields below against concurrent field reads/writes outside the drive lock (e.g. registry snapshots)

	ID            DialogID
	Kind          DialogKind
	AgentID       string
	CurrentCourse int
	ActiveGenSeq  int
	Msgs          []ChatMessage
	Reminders     []Reminder
	RemindersVer  uint64
	TaskDocPath   string

	// Root-only
	DiligencePushRemainingBudget int
	DisableDiligencePush         bool

	// Sub-only
	Assignment *SubdialogAssignment

	LastContextHealth    ContextHealthSnapshot
	LastUserLanguageCode string

	RunState RunState

	health contextHealthFSM
}

// NewRootDialog creates a fresh root dialog owned by agentID.
func NewRootDialog(id string, agentID string, diligenceBudget int) *Dialog {
	return &Dialog{
		ID:                           DialogID{SelfID: id, RootID: id},
		Kind:                         DialogRoot,
		AgentID:                      agentID,
		DiligencePushRemainingBudget: diligenceBudget,
	}
}

// NewSubDialog creates a subdialog of root, assigned to perform the given
// tellask on behalf of the caller.
func NewSubDialog(id string, root DialogID, agentID string, assignment SubdialogAssignment) *Dialog {
	return &Dialog{
		ID:         DialogID{SelfID: id, RootID: root.RootID},
		Kind:       DialogSub,
		AgentID:    agentID,
		Assignment: &assignment,
	}
}

// IsRoot reports whether this dialog is a root dialog.
func (d *Dialog) IsRoot() bool { return d.Kind == DialogRoot }

// Caller returns the dialog id this subdialog reports its response to, and
// ok=false if called on a root dialog or a subdialog with no assignment.
func (d *Dialog) Caller() (DialogID, bool) {
	if d.Kind != DialogSub || d.Assignment == nil {
		return DialogID{}, false
	}
	return d.Assignment.CallerDialogID, true
}

// Supdialog returns the direct parent dialog id a Type A tellask from this
// subdialog would suspend into. For a subdialog whose caller is itself a
// subdialog, the supdialog is that caller; for one whose caller is a root,
// the supdialog is the root itself.
func (d *Dialog) Supdialog() (DialogID, bool) {
	return d.Caller()
}

// StartNewCourse increments the course counter and resets the active
// generation sequence, modeling a clear-mind boundary. It takes no prompt;
// the caller queues the next iteration's prompt itself.
func (d *Dialog) StartNewCourse() {
	d.CurrentCourse++
	d.ActiveGenSeq = 0
	d.LastContextHealth = ContextHealthSnapshot{}
	d.health = contextHealthFSM{}
}

// NextGenSeq returns the next generation sequence number for this course.
func (d *Dialog) NextGenSeq() int {
	d.ActiveGenSeq++
	return d.ActiveGenSeq
}

// AppendMessages appends messages to history in the order given.
func (d *Dialog) AppendMessages(msgs ...ChatMessage) {
	d.Msgs = append(d.Msgs, msgs...)
}

// MarkDead sets the terminal dead run state. Per invariant 3, once set this
// is never undone by the driver.
func (d *Dialog) MarkDead() {
	d.RunState = RunState{Kind: RunDead}
}

// IsDead reports whether this dialog has reached the terminal dead state.
func (d *Dialog) IsDead() bool { return d.RunState.Kind == RunDead }

// BumpRemindersVersion increments the reminders publication version,
// signaling observers that Reminders changed.
func (d *Dialog) BumpRemindersVersion() { d.RemindersVer++ }
