package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestTranscodingError(t *testing.T) {
	err := New(ErrorTypeEncode, "transcode", errors.New("exit status 1"))
	if err.Type != ErrorTypeEncode {
		t.Errorf("expected type %s, got %s", ErrorTypeEncode, err.Type)
	}
	if err.Op != "transcode" {
		t.Errorf("expected op 'transcode', got %s", err.Op)
	}

	err = err.WithSession("chat-42")
	if err.SessionID != "chat-42" {
		t.Errorf("expected session ID 'chat-42', got %s", err.SessionID)
	}

	err = err.WithDetail("encoder", "libx264").WithDetail("preset", "veryfast")
	if err.Details["encoder"] != "libx264" {
		t.Errorf("expected encoder 'libx264', got %v", err.Details["encoder"])
	}

	expectedStr := "encode error in transcode for session chat-42: exit status 1"
	if err.Error() != expectedStr {
		t.Errorf("expected error string '%s', got '%s'", expectedStr, err.Error())
	}
}

func TestErrorWrapping(t *testing.T) {
	err := ProbeFailure("probe", ErrToolUnavailable)
	if !errors.Is(err, ErrToolUnavailable) {
		t.Error("expected error to match ErrToolUnavailable")
	}
	if GetType(err) != ErrorTypeProbe {
		t.Errorf("expected type %s, got %s", ErrorTypeProbe, GetType(err))
	}
	if GetOperation(err) != "probe" {
		t.Errorf("expected operation 'probe', got %s", GetOperation(err))
	}

	wrapped := fmt.Errorf("fetch primary: %w", err)
	if GetType(wrapped) != ErrorTypeProbe {
		t.Errorf("expected type to survive fmt wrapping, got %s", GetType(wrapped))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"timeout", TimeoutExceeded("fetch", nil), true},
		{"rate limited", RateLimited("fetch", nil), true},
		{"insufficient memory", InsufficientMemory("transcode", 512, 2048), true},
		{"generic fetch", FetchFailure("fetch", errors.New("HTTP Error 500")), true},
		{"plain error", errors.New("boom"), true},
		{"probe failure", ProbeFailure("probe", ErrToolUnavailable), false},
		{"unsupported stream", UnsupportedStream("fetch", ErrNoAudioStream), false},
		{"validation", ValidationError("submit", ErrInvalidInput), false},
		{"cancelled fetch", FetchFailure("fetch", fmt.Errorf("%w: ctx", ErrCancelled)), false},
		{"context cancelled", context.Canceled, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("expected IsRetryable() = %v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestInsufficientMemoryDetails(t *testing.T) {
	err := InsufficientMemory("transcode", 1024, 2048)
	if !errors.Is(err, ErrInsufficientMemory) {
		t.Error("expected ErrInsufficientMemory")
	}
	details := GetDetails(err)
	if details["available_mb"] != uint64(1024) {
		t.Errorf("expected available_mb 1024, got %v", details["available_mb"])
	}
}

func TestClassifyFetchError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		output   string
		wantType ErrorType
	}{
		{"http 429 in output", errors.New("exit status 1"), "ERROR: HTTP Error 429: Too Many Requests", ErrorTypeRateLimited},
		{"rate limit in message", errors.New("rate limit exceeded"), "", ErrorTypeRateLimited},
		{"deadline", context.DeadlineExceeded, "", ErrorTypeTimeout},
		{"generic", errors.New("exit status 1"), "ERROR: Video unavailable", ErrorTypeFetch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyFetchError("fetch", tt.err, tt.output)
			if GetType(got) != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, GetType(got))
			}
		})
	}

	if ClassifyFetchError("fetch", nil, "") != nil {
		t.Error("expected nil for nil error")
	}

	cancelled := ClassifyFetchError("fetch", context.Canceled, "")
	if IsRetryable(cancelled) {
		t.Error("cancellation must not be retryable")
	}

	preclassified := UnsupportedStream("fetch", ErrNoAudioStream)
	if ClassifyFetchError("fetch", preclassified, "429") != error(preclassified) {
		t.Error("expected classified errors to pass through unchanged")
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(RateLimited("fetch", errors.New("HTTP Error 429"))) {
		t.Error("expected rate limited")
	}
	if IsRateLimited(TimeoutExceeded("fetch", nil)) {
		t.Error("timeout is not a rate limit")
	}
	if !LooksRateLimited("Too Many Requests") {
		t.Error("expected wording match")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeEncode, "op") != nil {
		t.Error("expected nil when wrapping nil error")
	}

	err := errors.New("test error")
	wrapped := Wrap(err, ErrorTypeCompress, "compress")
	tErr, ok := wrapped.(*TranscodingError)
	if !ok {
		t.Fatal("expected TranscodingError type")
	}
	if tErr.Type != ErrorTypeCompress {
		t.Errorf("expected type %s, got %s", ErrorTypeCompress, tErr.Type)
	}

	if Wrap(wrapped, ErrorTypeInternal, "different_op") != wrapped {
		t.Error("expected wrapped error to be preserved")
	}
}
