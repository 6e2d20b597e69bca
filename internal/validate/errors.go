package validate

import (
	"errors"
	"fmt"
)

// Kind classifies why a notification was rejected.
type Kind string

const (
	MalformedPayload Kind = "MALFORMED_PAYLOAD"
	MissingAttribute Kind = "MISSING_ATTRIBUTE"
	MissingField     Kind = "MISSING_FIELD"
	InvalidTimestamp Kind = "INVALID_TIMESTAMP"
	UnknownEventType Kind = "UNKNOWN_EVENT_TYPE"
	InvalidFieldType Kind = "INVALID_FIELD_TYPE"
)

// Error is a classified validation failure. Field names the attribute or
// JSON key involved; Value carries the offending value where there is one.
type Error struct {
	Kind  Kind
	Field string
	Value string
	Err   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case MissingAttribute:
		return fmt.Sprintf("missing attribute %q", e.Field)
	case MissingField:
		return fmt.Sprintf("missing field %q", e.Field)
	case InvalidFieldType:
		return fmt.Sprintf("field %q must be a string, got %s", e.Field, e.Value)
	case UnknownEventType:
		return fmt.Sprintf("unknown event type %q", e.Value)
	case InvalidTimestamp:
		if e.Err != nil {
			return fmt.Sprintf("invalid timestamp in %q: %v", e.Field, e.Err)
		}
		return fmt.Sprintf("invalid timestamp in %q", e.Field)
	default:
		if e.Err != nil {
			return fmt.Sprintf("malformed payload: %v", e.Err)
		}
		return "malformed payload"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err if it wraps an *Error.
func KindOf(err error) (Kind, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return "", false
}

func missingField(key string) *Error {
	return &Error{Kind: MissingField, Field: key}
}
