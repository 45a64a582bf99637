package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeValidation, "url must use http or https")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}
	if err.Code != ErrCodeValidation {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeValidation)
	}
	if err.Message != "url must use http or https" {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}
	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}
	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeCheckTimeout, "timed out after %s", "2s")
	if err.Message != "timed out after 2s" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("connection refused")
	err := Wrap(underlying, ErrCodeNavigation, "target unreachable")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}
	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Error("Error string should include underlying error")
	}
	if !strings.Contains(err.Error(), "NAVIGATION") {
		t.Error("Error string should include error code")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeCheckExecution, "checker failed").
		WithContext("check_id", "cookie_banner_check").
		WithContext("attempt", 1)

	if err.Context["check_id"] != "cookie_banner_check" {
		t.Error("Context should contain 'check_id' key")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "attempt: 1, check_id: cookie_banner_check") {
		t.Errorf("Error string should list sorted context, got %q", errStr)
	}
}

func TestDescribe(t *testing.T) {
	plain := New(ErrCodeValidation, "bad url")
	if plain.Describe() != "bad url" {
		t.Errorf("Describe() = %q", plain.Describe())
	}

	wrapped := Wrap(errors.New("dial tcp: refused"), ErrCodeNavigation, "open page")
	if wrapped.Describe() != "open page: dial tcp: refused" {
		t.Errorf("Describe() = %q", wrapped.Describe())
	}

	user := New(ErrCodeInternal, "x").WithUserMessage("Something broke")
	if user.Describe() != "Something broke" {
		t.Errorf("Describe() = %q", user.Describe())
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeNavigation, "unreachable")

	if !IsCode(err, ErrCodeNavigation) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeValidation) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeNavigation) {
		t.Error("IsCode should return false for nil error")
	}
	if IsCode(errors.New("standard error"), ErrCodeInternal) {
		t.Error("IsCode should return false for non-structured errors")
	}
}

func TestIsCode_WrappedChain(t *testing.T) {
	inner := New(ErrCodeValidation, "missing scheme")
	outer := fmt.Errorf("scan: %w", inner)

	if !IsCode(outer, ErrCodeValidation) {
		t.Error("IsCode should find codes through fmt.Errorf wrapping")
	}
	if GetCode(outer) != ErrCodeValidation {
		t.Errorf("GetCode = %v", GetCode(outer))
	}
}

func TestGetCode(t *testing.T) {
	if code := GetCode(New(ErrCodeCheckTimeout, "timeout")); code != ErrCodeCheckTimeout {
		t.Errorf("GetCode = %v, want %v", code, ErrCodeCheckTimeout)
	}
	if GetCode(nil) != "" {
		t.Error("GetCode should return empty string for nil")
	}
	if GetCode(errors.New("standard")) != ErrCodeInternal {
		t.Error("GetCode should return ErrCodeInternal for non-structured errors")
	}
}

func TestIsRetryable_Function(t *testing.T) {
	retryable := New(ErrCodeBrowser, "devtools connection dropped").WithRetryable(true)
	notRetryable := New(ErrCodeConfigInvalid, "bad config")

	if !IsRetryable(retryable) {
		t.Error("IsRetryable should return true for retryable error")
	}
	if IsRetryable(notRetryable) {
		t.Error("IsRetryable should return false for non-retryable error")
	}
	if IsRetryable(nil) {
		t.Error("IsRetryable should return false for nil")
	}
}

func TestWithRemediation(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "bad engine").WithRemediation("use chromedp", "or static")
	if len(err.Remediation) != 2 {
		t.Fatalf("Remediation = %v", err.Remediation)
	}
	same := err.WithRemediation()
	if len(same.Remediation) != 2 {
		t.Error("empty WithRemediation should keep existing tips")
	}
}

func TestStackTrace(t *testing.T) {
	err := New(ErrCodeInternal, "test error")

	trace := err.StackTrace()
	if !strings.Contains(trace, "Stack trace:") {
		t.Error("StackTrace should contain header")
	}
	if len(err.Stack) == 0 {
		t.Error("Stack should have frames")
	}
}

func TestCaptureStack(t *testing.T) {
	frames := captureStack(0)
	if len(frames) == 0 {
		t.Fatal("captureStack should return at least one frame")
	}

	found := false
	for _, frame := range frames {
		if strings.Contains(frame.Function, "Test") || strings.Contains(frame.Function, "errors") {
			found = true
			break
		}
	}
	if !found {
		t.Error("Stack should contain test or errors package frames")
	}
}
