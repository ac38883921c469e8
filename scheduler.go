package dialogdriver

import (
	"context"
	"time"
)

// RunScheduler is the backend driver (component design §4.1): a long-lived
// poll loop that wakes root dialogs flagged needs-drive, acquires their
// exclusive drive lock, and drives them to suspension. It returns only when
// ctx is cancelled.
func (d *Driver) RunScheduler(ctx context.Context) error {
	idle := time.Duration(d.schedulerPollIdle) * time.Millisecond
	errSleep := time.Duration(d.schedulerErrorSleep) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rootIDs := d.registry.NeedsDriveSnapshot()
		if len(rootIDs) == 0 {
			if !sleepOrDone(ctx, idle) {
				return ctx.Err()
			}
			continue
		}

		anyError := false
		for _, rootID := range rootIDs {
			dlg, ok := d.registry.GetRoot(rootID)
			if !ok {
				d.registry.SetNeedsDrive(rootID, false)
				continue
			}
			if !d.canDrive(ctx, dlg) {
				continue
			}

			if err := d.driveRootFromScheduler(ctx, dlg); err != nil {
				anyError = true
				d.logger.Warn().Err(err).Str("dialog", dlg.ID.Key()).Msg("scheduled drive failed")
			}
		}

		if anyError {
			if !sleepOrDone(ctx, errSleep) {
				return ctx.Err()
			}
		}
	}
}

// driveRootFromScheduler drives one needs-drive root, clearing its
// needs-drive flag strictly after the drive lock is released so a
// SupplySubdialogResponse race that re-flags it mid-drive is never lost.
func (d *Driver) driveRootFromScheduler(ctx context.Context, dlg *Dialog) error {
	lock := d.locks.DriveLock(dlg.ID)
	if !lock.TryLock() {
		return nil
	}

	err := d.runGenerationLoop(ctx, dlg, nil)
	lock.Unlock()

	if d.canDrive(ctx, dlg) {
		queued, qErr := d.persistence.LoadSubdialogResponsesQueue(ctx, dlg.ID)
		if qErr == nil && len(queued) == 0 {
			d.registry.SetNeedsDrive(dlg.ID.RootID, false)
		}
	}
	return err
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
