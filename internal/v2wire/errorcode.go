package v2wire

// Submit error codes as sent in SubmitSharesError.ErrorCode.
const (
	ErrUnauthorized       = "unauthorized"
	ErrDifficultyTooLow   = "difficulty-too-low"
	ErrInvalidJobID       = "invalid-job-id"
	ErrStaleShare         = "stale-share"
	ErrDuplicateShare     = "duplicate-share"
	ErrInvalidTimestamp   = "invalid-timestamp"
	ErrInvalidExtranonce  = "invalid-extranonce"
	ErrInvalidVersion     = "invalid-version"
	ErrInvalidSolution    = "invalid-solution"
)
