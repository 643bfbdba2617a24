package errors

import "fmt"

// Tier classifies an AppError into one of the three recovery tiers.
type Tier int

const (
	// Recoverable errors are scoped to a single connection; the session
	// stays alive unless the same session keeps producing them.
	Recoverable Tier = iota
	// Subsystem errors affect a whole subsystem (upstream link, telemetry
	// sink) but the rest of the proxy keeps running.
	Subsystem
	// Fatal errors are process-level; the process surfaces the error and
	// exits with a distinct code.
	Fatal
)

func (t Tier) String() string {
	switch t {
	case Recoverable:
		return "recoverable"
	case Subsystem:
		return "subsystem"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// AppError represents an application error tagged with its recovery tier.
type AppError struct {
	Code    string
	Message string
	Tier    Tier
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s[%s]: %s (caused by: %v)", e.Code, e.Tier, e.Message, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Code, e.Tier, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new recoverable AppError.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, Tier: Recoverable}
}

// Wrap creates a new recoverable AppError wrapping another error.
func Wrap(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Tier: Recoverable, Err: err}
}

// NewTier creates a new AppError at the given tier.
func NewTier(tier Tier, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Tier: tier}
}

// WrapTier creates a new AppError at the given tier wrapping another error.
func WrapTier(tier Tier, code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Tier: tier, Err: err}
}
