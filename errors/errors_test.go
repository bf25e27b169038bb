package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(42), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"timeout in message", fmt.Errorf("read timeout"), true},
		{"duplicate id", ErrDuplicateID, false},
		{"invalid data", ErrInvalidData, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("connection")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid data", ErrInvalidData, true},
		{"missing types", NewMissingTypesError([]string{"a"}), true},
		{"missing modules", NewMissingModulesError([]string{"m"}), true},
		{"duplicate id", &DuplicateIDError{ID: "n1"}, true},
		{"type in use", &TypeInUseError{Type: "t"}, true},
		{"wrapped already registered", fmt.Errorf("register: %w", ErrAlreadyRegistered), true},
		{"connection timeout", ErrConnectionTimeout, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsInvalid(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestWrapClassified(t *testing.T) {
	base := fmt.Errorf("disk full")

	err := WrapTransient(base, "flowstore", "SaveFlows", "write file")
	if !IsTransient(err) {
		t.Error("expected transient classification")
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should unwrap to base")
	}
	if err.Error() != "flowstore.SaveFlows: write file failed: disk full" {
		t.Errorf("unexpected message: %s", err.Error())
	}

	if WrapInvalid(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}

	var ce *ClassifiedError
	if !errors.As(WrapFatal(base, "engine", "Load", "read"), &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "engine" || ce.Operation != "Load" || ce.Class != ErrorFatal {
		t.Errorf("unexpected classified error: %+v", ce)
	}
}

func TestClassifiedError_NoMessage(t *testing.T) {
	ce := newClassified(ErrorInvalid, fmt.Errorf("base error"), "c", "o", "")
	if ce.Error() != "base error" {
		t.Errorf("expected 'base error', got %s", ce.Error())
	}
	empty := &ClassifiedError{Class: ErrorFatal}
	if empty.Error() != "fatal error" {
		t.Errorf("expected 'fatal error', got %s", empty.Error())
	}
}

func TestDomainErrors(t *testing.T) {
	mt := NewMissingTypesError([]string{"b", "a", "b"})
	if strings.Join(mt.Types, ",") != "a,b" {
		t.Errorf("expected sorted unique types, got %v", mt.Types)
	}
	if !errors.Is(mt, ErrMissingTypes) {
		t.Error("MissingTypesError should match ErrMissingTypes")
	}

	mm := NewMissingModulesError([]string{"node-red-contrib-x"})
	wrapped := WrapInvalid(mm, "flowengine", "SetFlows", "check modules")

	var got *MissingModulesError
	if !errors.As(wrapped, &got) {
		t.Fatal("expected MissingModulesError in chain")
	}
	if len(got.Modules) != 1 || got.Modules[0] != "node-red-contrib-x" {
		t.Errorf("unexpected modules: %v", got.Modules)
	}
	if errors.Is(wrapped, ErrMissingTypes) {
		t.Error("missing modules must not match missing types")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"missing types", WrapInvalid(NewMissingTypesError([]string{"x"}), "a", "b", "c"), "missing_types"},
		{"duplicate", &DuplicateIDError{ID: "n"}, "duplicate_id"},
		{"type in use", &TypeInUseError{Type: "x"}, "type_in_use"},
		{"unknown module", fmt.Errorf("remove: %w", ErrUnknownModule), "unknown_module"},
		{"decrypt", ErrCredentialDecrypt, "credentials_decrypt_failed"},
		{"invalid", WrapInvalid(fmt.Errorf("bad"), "a", "b", "c"), "invalid_request"},
		{"other", fmt.Errorf("boom"), "unexpected_error"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := CodeOf(test.err); got != test.expected {
				t.Errorf("expected %q, got %q", test.expected, got)
			}
		})
	}
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:    5,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 1.5,
	}.ToRetryConfig()

	if rc.MaxAttempts != 6 {
		t.Errorf("expected MaxAttempts 6, got %d", rc.MaxAttempts)
	}
	if rc.Multiplier != 1.5 {
		t.Errorf("expected Multiplier 1.5, got %f", rc.Multiplier)
	}
	if !rc.AddJitter {
		t.Error("expected AddJitter to be true")
	}

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"transient", WrapTransient(fmt.Errorf("HTTP 503"), "HTTPRequest", "send", "server response"), true},
		{"connection timeout", ErrConnectionTimeout, true},
		{"invalid", WrapInvalid(fmt.Errorf("HTTP 404"), "HTTPRequest", "send", "client response"), false},
		{"duplicate id", ErrDuplicateID, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := rc.Retryable(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}
