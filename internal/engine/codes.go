package engine

import "fmt"

// Code is the failure taxonomy surfaced to callers.
type Code string

const (
	CodeNotAvailable       Code = "NOT_AVAILABLE"        // ineligible input: blob URL, DRM, missing provider
	CodeAuthRequired       Code = "AUTH_REQUIRED"        // media host requires login
	CodeLockinAuthRequired Code = "LOCKIN_AUTH_REQUIRED" // client not signed in to the transcription service
	CodePodcastDisabled    Code = "PODCAST_DISABLED"     // host explicitly disables downloads
	CodeNotAllowed         Code = "NOT_ALLOWED"          // host reachable but denies every known URL
	CodeContentFetchError  Code = "CONTENT_FETCH_ERROR"  // relay transport failed
	CodeCanceled           Code = "CANCELED"
	CodeUnknown            Code = "UNKNOWN"
)

// CodedError carries a taxonomy code alongside a human-readable message.
// Status is the HTTP status that produced the error, when one exists.
type CodedError struct {
	Code    Code
	Message string
	Status  int
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Coded builds a CodedError with a formatted message.
func Coded(code Code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}
