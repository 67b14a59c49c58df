package backup

import "errors"

// Step-level failure classifications. Safety-gate aborts are intentional
// refusals, not bugs; their SyncResult carries a human-readable reason.
var (
	// ErrMount marks a failed or rejected durable-store mount. Transient;
	// the caller may retry.
	ErrMount = errors.New("mount failed")

	// ErrRestoreNotComplete marks safety gate check A: the container has
	// not finished its boot/restore routine. Never skippable.
	ErrRestoreNotComplete = errors.New("restore not complete")

	// ErrContainerTooYoung marks safety gate check B: the container booted
	// too recently to have restored or accumulated real state.
	ErrContainerTooYoung = errors.New("container too young")

	// ErrNoMeaningfulState marks safety gate check C: the container looks
	// like an untouched template.
	ErrNoMeaningfulState = errors.New("no meaningful state")

	// ErrSyncFailed marks a failure sentinel or a missing remote timestamp
	// after upload. Distinct from a timeout with no sentinel observed.
	ErrSyncFailed = errors.New("sync failed")

	// ErrBusy marks an overlapping sync attempt on the same container.
	ErrBusy = errors.New("sync already in progress")
)
