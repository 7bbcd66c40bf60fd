package lockd

import "errors"

var (
	ErrLocked          = errors.New("floor plan is locked by another user")
	ErrReserved        = errors.New("floor plan is reserved for another user")
	ErrNotLocked       = errors.New("floor plan is not locked")
	ErrNotHolder       = errors.New("actor does not hold the lock")
	ErrNotRequester    = errors.New("actor did not create this request")
	ErrForbidden       = errors.New("actor is not allowed to force unlock")
	ErrInvalidGrant    = errors.New("grantMinutes must be between 0.5 and 60")
	ErrInvalidGrace    = errors.New("graceMinutes must be between 0 and 60")
	ErrTargetMismatch  = errors.New("target user does not hold the lock")
	ErrSelfRequest     = errors.New("actor already holds the lock")
	ErrRequestNotFound = errors.New("unlock request not found")
	ErrRequestResolved = errors.New("unlock request already resolved")
	ErrForceActive     = errors.New("a force unlock is in progress")
	ErrForceGrace      = errors.New("force unlock grace period is running")
	ErrForceNotFound   = errors.New("no force unlock in progress")
)
