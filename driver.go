package dialogdriver

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Driver is the owning object holding every piece of per-dialog state the
// original design spreads across ambient module-level maps: the dialog
// registry, the per-dialog lock tables, the abort-token registry, and the
// injected collaborator contracts. Constructed once via New and shared by
// the backend driver scheduler and every drive it launches.
type Driver struct {
	registry    *Registry
	locks       *LockTable
	abort       *abortRegistry
	persistence Persistence
	generators  GeneratorResolver
	minds       MindsLoader
	parserFactory TellaskParserFactory
	events      EventBus
	tools       ToolRegistry
	logger      zerolog.Logger
	llmConfig   *LLMConfig

	llm       *llmRunner
	diligence *diligenceController

	sem                 *semaphore.Weighted
	maxConcurrentDrives int64
	maxRetries          int
	schedulerPollIdle   int // milliseconds
	schedulerErrorSleep int // milliseconds
	maxIterations       int
	workspaceDir        string
}

// Option configures a Driver constructed with New.
type Option func(*Driver)

func WithPersistence(p Persistence) Option       { return func(d *Driver) { d.persistence = p } }
func WithGeneratorResolver(g GeneratorResolver) Option { return func(d *Driver) { d.generators = g } }
func WithMindsLoader(m MindsLoader) Option       { return func(d *Driver) { d.minds = m } }
func WithTellaskParserFactory(f TellaskParserFactory) Option { return func(d *Driver) { d.parserFactory = f } }
func WithEventBus(b EventBus) Option             { return func(d *Driver) { d.events = b } }
func WithToolRegistry(t ToolRegistry) Option     { return func(d *Driver) { d.tools = t } }
func WithLogger(l zerolog.Logger) Option         { return func(d *Driver) { d.logger = l } }
func WithMaxConcurrentDrives(n int64) Option     { return func(d *Driver) { d.maxConcurrentDrives = n } }
func WithMaxRetries(n int) Option                { return func(d *Driver) { d.maxRetries = n } }
func WithMaxIterations(n int) Option             { return func(d *Driver) { d.maxIterations = n } }
func WithWorkspaceDir(dir string) Option         { return func(d *Driver) { d.workspaceDir = dir } }
func WithLLMConfig(cfg LLMConfig) Option         { return func(d *Driver) { d.llmConfig = &cfg } }

// New constructs a Driver from the given collaborator contracts and
// functional options.
func New(opts ...Option) *Driver {
	d := &Driver{
		registry:            NewRegistry(),
		locks:               NewLockTable(),
		abort:               newAbortRegistry(),
		events:              NopEventBus{},
		tools:               NewToolRegistry(),
		logger:              zerolog.New(os.Stderr).With().Timestamp().Logger(),
		maxConcurrentDrives: 10,
		maxRetries:          5,
		schedulerPollIdle:   100,
		schedulerErrorSleep: 1000,
		maxIterations:       50,
		workspaceDir:        ".",
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sem = semaphore.NewWeighted(d.maxConcurrentDrives)
	d.llm = newLLMRunner(d.maxRetries, d.logger, d.persistence, d.events)
	d.diligence = newDiligenceController(d.workspaceDir)
	return d
}

// RegisterRoot adds a root dialog to the driver's registry and flags it
// needs-drive so the scheduler picks it up.
func (d *Driver) RegisterRoot(dlg *Dialog) {
	d.registry.RegisterRoot(dlg)
	d.registry.SetNeedsDrive(dlg.ID.RootID, true)
}

// Drive runs the generation loop for dlg to suspension, per §4.1's
// exclusive-drive contract: if waitInQueue is false and dlg's drive lock is
// already held, Drive fails fast with ErrDialogBusy instead of queuing.
func (d *Driver) Drive(ctx context.Context, dlg *Dialog, prompt *HumanPrompt, waitInQueue bool) error {
	return d.driveOne(ctx, dlg, prompt, waitInQueue)
}

func (d *Driver) driveOne(ctx context.Context, dlg *Dialog, prompt *HumanPrompt, waitInQueue bool) error {
	lock := d.locks.DriveLock(dlg.ID)
	if waitInQueue {
		if err := lock.LockContext(ctx); err != nil {
			return err
		}
	} else if !lock.TryLock() {
		return &ErrDialogBusy{ID: dlg.ID}
	}
	defer lock.Unlock()

	return d.runGenerationLoop(ctx, dlg, prompt)
}

func (d *Driver) canDrive(ctx context.Context, dlg *Dialog) bool {
	if dlg.IsDead() {
		return false
	}
	q, hasQ4H, err := d.persistence.LoadPendingQuestion4Human(ctx, dlg.ID)
	if err == nil && hasQ4H && q != nil {
		return false
	}
	pending, err := d.persistence.LoadPendingSubdialogs(ctx, dlg.ID)
	if err == nil && len(pending) > 0 {
		return false
	}
	return true
}

// fatalConfigError is a convenience wrapper producing a localized,
// human-actionable configuration error (localization itself is out of
// scope; the detail string is in the driver's default language).
func fatalConfigError(format string, args ...any) error {
	return &ErrConfiguration{Detail: fmt.Sprintf(format, args...)}
}
