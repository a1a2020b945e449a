package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKestrelError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeStoreUnavailable, "redis unreachable")
	expected := "[STORAGE:STORE_UNAVAILABLE] redis unreachable"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestKestrelError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeStoreUnavailable, "redis unreachable", cause)
	expected := "[STORAGE:STORE_UNAVAILABLE] redis unreachable: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestKestrelError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryMaterialization, CodeWatermarkConflict, "conflict", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestKestrelError_Is(t *testing.T) {
	err1 := New(ErrCategoryStorage, CodeStoreUnavailable, "first")
	err2 := New(ErrCategoryStorage, CodeStoreUnavailable, "second")
	err3 := New(ErrCategoryStorage, CodeScanFailed, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeStoreUnavailable, true},
		{ErrCategoryStorage, CodeWriteFailed, true},
		{ErrCategoryStorage, CodeTimeout, true},
		{ErrCategoryStorage, CodeScanFailed, false},
		{ErrCategoryMaterialization, CodePartialMaterialization, true},
		{ErrCategoryMaterialization, CodeWatermarkConflict, false},
		{ErrCategorySchema, CodeSchemaMismatch, false},
		{ErrCategoryValidation, CodeMalformedEvent, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategorySchema, CodeSchemaMismatch, "field type mismatch")
	if GetCategory(err) != ErrCategorySchema {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategorySchema)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-KestrelError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCategorySchema, CodeSchemaMismatch, "field type mismatch")
	if GetCode(err) != CodeSchemaMismatch {
		t.Errorf("got %q, want %q", GetCode(err), CodeSchemaMismatch)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-KestrelError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeMalformedEvent, "missing entity id")
	detailed := err.WithDetails(map[string]interface{}{"line": 42})

	if detailed.Details["line"] != 42 {
		t.Error("WithDetails should set details")
	}
	// Original should be unmodified
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewMalformedEventError("missing timestamp")
	if v.Category != ErrCategoryValidation || v.Code != CodeMalformedEvent {
		t.Error("NewMalformedEventError mismatch")
	}

	s := NewStorageError(CodeStoreUnavailable, "redis down", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) {
		t.Error("NewStorageError mismatch")
	}

	sm := NewSchemaMismatchError("unexpected field")
	if sm.Category != ErrCategorySchema || sm.Code != CodeSchemaMismatch {
		t.Error("NewSchemaMismatchError mismatch")
	}

	m := NewMaterializationError(CodePartialMaterialization, "3 of 20 written", cause)
	if m.Category != ErrCategoryMaterialization || !errors.Is(m, cause) {
		t.Error("NewMaterializationError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
