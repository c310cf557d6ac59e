package patrol

import "errors"

var (
	// ErrNoActiveSession is returned by Stop and OnSample when the guard has
	// no patrol in progress.
	ErrNoActiveSession = errors.New("no active session")

	// ErrPatrolActive is returned by Start under the reject policy when the
	// guard already has a patrol in progress.
	ErrPatrolActive = errors.New("patrol already active for guard")

	// ErrInvalidSample marks a position sample with unusable coordinates.
	ErrInvalidSample = errors.New("invalid position sample")

	// ErrSourceUnavailable means no position source could be subscribed.
	ErrSourceUnavailable = errors.New("position source unavailable")

	// ErrInvalidGuard is returned when the guard id is empty.
	ErrInvalidGuard = errors.New("guard id is required")
)
