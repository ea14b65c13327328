package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeFetch represents transport-level errors reaching a source page
	ErrorTypeFetch ErrorType = "fetch"
	// ErrorTypeExtract represents structural mismatches between the expected
	// and actual content of a fetched page
	ErrorTypeExtract ErrorType = "extract"
	// ErrorTypeStorage represents persistence collaborator failures
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeConfiguration represents configuration errors
	ErrorTypeConfiguration ErrorType = "configuration"
)

// PollError represents a failure surfaced by a source adapter or a
// collaborator during one poll.
type PollError struct {
	Type    ErrorType
	Source  string
	Message string
	Err     error
	// RawContent holds the fetched page for extract errors so the failure
	// can be diagnosed offline.
	RawContent string
	Time       time.Time
}

// Error implements the error interface
func (e *PollError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Source, e.Message)
}

// Unwrap returns the underlying error
func (e *PollError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the next scheduled poll may succeed without
// operator intervention.
func (e *PollError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeFetch, ErrorTypeStorage:
		return true
	default:
		return false
	}
}

// New creates a new PollError
func New(errType ErrorType, source, message string, err error) *PollError {
	return &PollError{
		Type:    errType,
		Source:  source,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
}

// NewFetch creates a new fetch error
func NewFetch(source, message string, err error) *PollError {
	return New(ErrorTypeFetch, source, message, err)
}

// NewExtract creates a new extract error carrying the raw page content
func NewExtract(source, message, rawContent string, err error) *PollError {
	e := New(ErrorTypeExtract, source, message, err)
	e.RawContent = rawContent
	return e
}

// NewStorage creates a new storage error
func NewStorage(source, message string, err error) *PollError {
	return New(ErrorTypeStorage, source, message, err)
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *PollError {
	return New(ErrorTypeConfiguration, "", message, err)
}

// IsType reports whether err is a PollError of the given type.
func IsType(err error, errType ErrorType) bool {
	var pe *PollError
	if errors.As(err, &pe) {
		return pe.Type == errType
	}
	return false
}

// IsFetch reports whether err is a fetch error
func IsFetch(err error) bool { return IsType(err, ErrorTypeFetch) }

// IsExtract reports whether err is an extract error
func IsExtract(err error) bool { return IsType(err, ErrorTypeExtract) }

// IsStorage reports whether err is a storage error
func IsStorage(err error) bool { return IsType(err, ErrorTypeStorage) }

// NotRegisteredError reports caller misuse of the monitor: unregistering a
// search that has no scheduled task.
type NotRegisteredError struct {
	SearchID int64
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("search %d is not registered", e.SearchID)
}

// IsNotRegistered reports whether err is a NotRegisteredError
func IsNotRegistered(err error) bool {
	var nre *NotRegisteredError
	return errors.As(err, &nre)
}
