// Package runerr defines the error kinds a pipeline run can fail with.
//
// Every stage returns an *Error so the CLI can tell a bad upload apart from a
// segmentation outage or a crashed reconstruction process without string
// matching. Errors are never retried; the kind only decides how the failure is
// reported.
package runerr

import (
	"errors"
	"strings"
)

// Kind categorizes a pipeline failure.
type Kind int

const (
	// KindUnknown is reported for errors that did not come from this module.
	KindUnknown Kind = iota
	// KindValidation indicates bad user input (too few images, bad label).
	KindValidation
	// KindConfiguration indicates an inconsistent option set, detected before launch.
	KindConfiguration
	// KindRetrieval indicates the segmentation service failed or returned nothing.
	KindRetrieval
	// KindProvisioning indicates checkpoint download or verification failed.
	KindProvisioning
	// KindExecution indicates the reconstruction process could not run or exited non-zero.
	KindExecution
	// KindParse indicates the output location could not be found in the tool log.
	KindParse
	// KindMissingOutput indicates the tool finished but left no renderable artifact.
	KindMissingOutput
	// KindPublish indicates packaging or uploading the result bundle failed.
	KindPublish
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindValidation:    "validation",
	KindConfiguration: "configuration",
	KindRetrieval:     "retrieval",
	KindProvisioning:  "provisioning",
	KindExecution:     "execution",
	KindParse:         "parse",
	KindMissingOutput: "missing_output",
	KindPublish:       "publish",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is a classified pipeline failure.
type Error struct {
	Kind    Kind
	Op      string // stage that failed, e.g. "staging"
	Message string
	// Log holds the captured tail of the external tool output, if any.
	Log string
	Err error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Wrap creates an Error of the given kind around err.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// WithLog attaches a captured log tail and returns the same error.
func (e *Error) WithLog(tail string) *Error {
	e.Log = tail
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// LogOf returns the log tail attached to the first *Error in err's chain.
func LogOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Log
	}
	return ""
}
