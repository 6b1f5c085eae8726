package submission

import (
	"fmt"
	"time"
)

// Kind classifies a rejected submission.
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"
	KindRateLimited     Kind = "rate_limited"
	KindNotOwner        Kind = "not_owner"
	KindMissingKeywords Kind = "missing_keywords"
	KindPolicyRejected  Kind = "policy_rejected"
	KindDuplicate       Kind = "duplicate"
	KindUserUnknown     Kind = "user_unknown"
)

// Error is a submission the flow refused. Message is safe to show to the
// submitting user.
type Error struct {
	Kind        Kind
	Message     string
	RetryAfter  time.Duration
	Suggestions []string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) RetryAfterHint() time.Duration { return e.RetryAfter }
