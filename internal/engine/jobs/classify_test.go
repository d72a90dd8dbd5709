package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mkorchev/lectoscribe/internal/engine"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want engine.Code
	}{
		{"nil", nil, engine.CodeUnknown},
		{"context canceled", context.Canceled, engine.CodeCanceled},
		{"wrapped cancel", fmt.Errorf("upload: %w", context.Canceled), engine.CodeCanceled},
		{"coded wins over message", engine.Coded(engine.CodePodcastDisabled, "please login"), engine.CodePodcastDisabled},
		{"wrapped coded", fmt.Errorf("resolve: %w", engine.Coded(engine.CodeNotAllowed, "denied")), engine.CodeNotAllowed},
		{"cancel message", errors.New("operation canceled by user"), engine.CodeCanceled},
		{"sign in message", errors.New("please sign in to continue"), engine.CodeAuthRequired},
		{"unauthorized message", errors.New("unauthorized request"), engine.CodeAuthRequired},
		{"status 401", fmt.Errorf("job status: %w", &engine.HTTPStatusError{StatusCode: 401}), engine.CodeAuthRequired},
		{"status 500", fmt.Errorf("job status: %w", &engine.HTTPStatusError{StatusCode: 500}), engine.CodeUnknown},
		{"plain", errors.New("disk full"), engine.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := Classify(tt.err)
			if code != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, code, tt.want)
			}
			if tt.err != nil && msg == "" {
				t.Error("message lost in classification")
			}
		})
	}
}

func TestClassifyKeepsCodedMessage(t *testing.T) {
	_, msg := Classify(engine.Coded(engine.CodePodcastDisabled, "downloads disabled by host: %s", "policy"))
	if msg != "downloads disabled by host: policy" {
		t.Errorf("msg = %q", msg)
	}
}
