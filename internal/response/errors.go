package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrSessionInvalidated ErrCode = "LOGIN_SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation ErrCode = "VALIDATION_ERROR"
	ErrInvalidID  ErrCode = "INVALID_ID"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Exam sessions ─────────────────────────────────────────────────
	ErrExamNotFound     ErrCode = "EXAM_NOT_FOUND"
	ErrSessionNotFound  ErrCode = "SESSION_NOT_FOUND"
	ErrSessionCompleted ErrCode = "SESSION_ALREADY_COMPLETED"
	ErrSessionExpired   ErrCode = "SESSION_EXPIRED"
	ErrNoActiveSession  ErrCode = "NO_ACTIVE_SESSION"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrInvalidCredentials:
		return "Email or password is incorrect."
	case ErrSessionInvalidated:
		return "Your login session has ended. Please sign in again."
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid."
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "The identifier format is invalid."
	case ErrNotFound:
		return "The requested resource was not found."
	case ErrExamNotFound:
		return "This exam does not exist."
	case ErrSessionNotFound:
		return "No such exam session."
	case ErrSessionCompleted:
		return "This exam session has already been completed."
	case ErrSessionExpired:
		return "Time is up. Answers can no longer be changed."
	case ErrNoActiveSession:
		return "You have no active session for this exam."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
