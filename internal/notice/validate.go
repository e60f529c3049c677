package notice

import "fmt"

var allowedTypes = map[string]struct{}{
	TypeTask:     {},
	TypeProgress: {},
	TypeAlert:    {},
	TypeCustom:   {},
}

var allowedPriorities = map[string]struct{}{
	PriorityLow:    {},
	PriorityMedium: {},
	PriorityHigh:   {},
	PriorityUrgent: {},
}

var allowedResponseTypes = map[string]struct{}{
	ResponseYesNo:          {},
	ResponseOpenEnded:      {},
	ResponseMultipleChoice: {},
}

// ValidationError marks a malformed send request. It is returned before any
// state is created, so a failed validation leaves nothing behind.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NormalizeSend fills defaulted fields in place.
func NormalizeSend(req *SendRequest) {
	if req.Type == "" {
		req.Type = TypeCustom
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
}

func ValidateSend(req SendRequest) error {
	if req.Message == "" {
		return invalid("message", "must be a non-empty string")
	}
	if req.TargetUser == "" {
		return invalid("target_user", "is required")
	}
	if _, ok := allowedTypes[req.Type]; !ok {
		return invalid("type", fmt.Sprintf("unknown type %q", req.Type))
	}
	if _, ok := allowedPriorities[req.Priority]; !ok {
		return invalid("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}
	if !req.ResponseRequested {
		return nil
	}
	if req.ResponseType == "" {
		return invalid("response_type", "is required when response_requested is set")
	}
	if _, ok := allowedResponseTypes[req.ResponseType]; !ok {
		return invalid("response_type", fmt.Sprintf("unknown response type %q", req.ResponseType))
	}
	if req.ResponseType == ResponseMultipleChoice && len(req.ResponseOptions) == 0 {
		return invalid("response_options", "are required for multiple_choice")
	}
	if req.ResponseType != ResponseMultipleChoice && len(req.ResponseOptions) > 0 {
		return invalid("response_options", "are only allowed for multiple_choice")
	}
	if req.TimeoutSeconds <= 0 {
		return invalid("timeout_seconds", "must be positive")
	}
	return nil
}

// IsUrgent reports whether the priority belongs to the head tier of the
// delivery queue.
func IsUrgent(priority string) bool {
	return priority == PriorityUrgent || priority == PriorityHigh
}
