package jobs

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

// Classify maps a flow error onto the surfaced failure taxonomy.
// Precedence: the error's own code, then its message, then HTTP status.
func Classify(err error) (engine.Code, string) {
	if err == nil {
		return engine.CodeUnknown, ""
	}

	if errors.Is(err, context.Canceled) {
		return engine.CodeCanceled, "transcription canceled"
	}

	var coded *engine.CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "cancel"):
		return engine.CodeCanceled, msg
	case strings.Contains(lower, "sign in") || strings.Contains(lower, "sign-in") ||
		strings.Contains(lower, "login") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "auth"):
		return engine.CodeAuthRequired, msg
	}

	var httpErr *engine.HTTPStatusError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden {
			return engine.CodeAuthRequired, msg
		}
	}

	return engine.CodeUnknown, msg
}
