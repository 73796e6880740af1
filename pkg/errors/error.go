package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType defines distinct categories for errors originating from HLSbrew components.
type ErrorType string

const (
	// SourceMetadataError represents failures querying the video source for title or catalog.
	SourceMetadataError ErrorType = "source_metadata_error"
	// NoCompleteRepresentation is returned by the selector when the catalog has no audio+video entry.
	NoCompleteRepresentation ErrorType = "no_complete_representation"
	// FetchError represents failures streaming a representation to disk.
	FetchError ErrorType = "fetch_error"
	// MergeFailed represents ffmpeg failures while combining split audio and video.
	MergeFailed ErrorType = "merge_failed"
	// PackagingFailed represents ffmpeg or manifest failures while producing HLS output.
	PackagingFailed ErrorType = "packaging_failed"
	// UploadFailed represents a single object storage upload failure.
	UploadFailed ErrorType = "upload_failed"
	// BatchUploadFailed is returned when any upload of an all-or-nothing batch fails.
	BatchUploadFailed ErrorType = "batch_upload_failed"
	// ListingFailed represents object storage listing failures.
	ListingFailed ErrorType = "listing_failed"
	// ValidationError represents errors caused by invalid input parameters or configuration.
	ValidationError ErrorType = "validation_error"
	// SystemError represents underlying system issues such as file I/O or missing binaries.
	SystemError ErrorType = "system_error"
	// LedgerError represents failures reading or writing the run ledger.
	LedgerError ErrorType = "ledger_error"
)

// Error codes, grouped by component.
const (
	// Source (1000-1099)
	ErrSourceMetadata = 1000
	ErrSourceCatalog  = 1001
	ErrSourceStream   = 1002
	ErrSourceNotFound = 1003

	// Selector (1100-1199)
	ErrEmptyCatalog        = 1100
	ErrNoCompleteInCatalog = 1101

	// Fetcher (1200-1299)
	ErrFetchDirectory = 1200
	ErrFetchCreate    = 1201
	ErrFetchStream    = 1202
	ErrFetchWrite     = 1203

	// Transcoder (1300-1399)
	ErrTranscoderMissing   = 1300
	ErrTranscoderFailed    = 1301
	ErrMergeInput          = 1302
	ErrPackagingDirectory  = 1303
	ErrPackagingManifest   = 1304
	ErrTranscoderPipe      = 1305
	ErrTranscoderNotStarts = 1306

	// Publisher (1400-1499)
	ErrUploadOpen   = 1400
	ErrUploadPut    = 1401
	ErrUploadBatch  = 1402
	ErrUploadReadir = 1403
	ErrListObjects  = 1404

	// Ledger (1500-1599)
	ErrLedgerOpen  = 1500
	ErrLedgerWrite = 1501
	ErrLedgerRead  = 1502
	ErrLedgerLock  = 1503

	// Configuration (1600-1699)
	ErrInvalidReference = 1600
	ErrInvalidConfig    = 1601
)

// StructuredError represents a detailed error originating from HLSbrew operations.
// Stage and Reference identify where in the pipeline the error happened so callers
// can report or retry selectively.
type StructuredError struct {
	// Type categorizes the error (e.g., FetchError, MergeFailed).
	Type ErrorType `json:"type"`
	// Message provides a concise, human-readable description of the error.
	Message string `json:"message"`
	// Details offers additional context, usually the underlying error message.
	Details string `json:"details,omitempty"`
	// Stage names the pipeline stage that failed (e.g., "fetch", "merge").
	Stage string `json:"stage,omitempty"`
	// Reference is the video reference being processed when the error happened.
	Reference string `json:"reference,omitempty"`
	// Timestamp marks when the error occurred in RFC3339 format.
	Timestamp string `json:"timestamp"`
	// Code provides a specific integer code unique to the error source within its type.
	Code int `json:"code"`

	cause error
}

// Error implements the standard error interface. Stage and reference context are
// chained in front of the message when present.
func (e *StructuredError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Type))
	b.WriteString("] ")
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(" ")
	}
	if e.Reference != "" {
		fmt.Fprintf(&b, "%q ", e.Reference)
	}
	if e.Stage != "" || e.Reference != "" {
		b.WriteString("failed: ")
	}
	b.WriteString(e.Message)
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *StructuredError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a StructuredError of the same Type. This lets callers
// write errors.Is(err, errors.Kind(errors.FetchError)).
func (e *StructuredError) Is(target error) bool {
	t, ok := target.(*StructuredError)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Message == "" && t.Code == 0
}

// JSON returns the StructuredError serialized as a JSON string.
func (e *StructuredError) JSON() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// New creates a new StructuredError instance with the current timestamp.
func New(errorType ErrorType, message, details string, code int) *StructuredError {
	return &StructuredError{
		Type:      errorType,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().Format(time.RFC3339),
		Code:      code,
	}
}

// Wrap creates a new StructuredError using err as the cause and its message as Details.
// If err is nil, Details is empty.
func Wrap(err error, errorType ErrorType, message string, code int) *StructuredError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	se := New(errorType, message, details, code)
	se.cause = err
	return se
}

// Kind returns a sentinel matching any StructuredError of the given type under errors.Is.
func Kind(errorType ErrorType) error {
	return &StructuredError{Type: errorType}
}

// WithStage annotates err with the pipeline stage and reference. StructuredErrors keep
// their type; any other error is wrapped as a SystemError. Existing stage or reference
// values are not overwritten, so the innermost context wins.
func WithStage(err error, stage, reference string) error {
	if err == nil {
		return nil
	}
	var se *StructuredError
	if !stderrors.As(err, &se) {
		se = Wrap(err, SystemError, "unexpected failure", 0)
	}
	out := *se
	if out.Stage == "" {
		out.Stage = stage
	}
	if out.Reference == "" {
		out.Reference = reference
	}
	return &out
}

// TypeOf returns the ErrorType of err, or an empty string when err is not a StructuredError.
func TypeOf(err error) ErrorType {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Type
	}
	return ""
}

// As is re-exported so callers importing this package under the name "errors" keep access to it.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is is re-exported so callers importing this package under the name "errors" keep access to it.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
