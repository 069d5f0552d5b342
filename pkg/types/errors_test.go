package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCoordErrorClassification(t *testing.T) {
	cases := []struct {
		err       *CoordError
		check     func(error) bool
		retryable bool
		escalates bool
	}{
		{NewQueueFullError("t-1", 120), IsQueueFull, false, false},
		{NewSlotUnavailableError(ResourceRequirement{CPU: 2}), IsSlotUnavailable, true, false},
		{NewDeliveryError("m-1", "target gone", nil), IsDeliveryFailure, true, false},
		{NewStepTimeoutError("wf-1", "fetch", 5*time.Second), IsStepTimeout, true, false},
		{NewStepRejectedError("wf-1", "fetch", "bad payload"), IsStepRejected, false, false},
		{NewResourceExhaustionError("no capacity left"), nil, false, true},
		{NewIntegrityViolationError("correlation mismatch", nil), IsIntegrityViolation, false, true},
	}

	for _, tc := range cases {
		if tc.check != nil && !tc.check(tc.err) {
			t.Errorf("%s: predicate did not match its own error", tc.err.Code)
		}
		if tc.err.Retryable() != tc.retryable {
			t.Errorf("%s: Retryable() = %v, want %v", tc.err.Code, tc.err.Retryable(), tc.retryable)
		}
		if tc.err.Escalates() != tc.escalates {
			t.Errorf("%s: Escalates() = %v, want %v", tc.err.Code, tc.err.Escalates(), tc.escalates)
		}
	}
}

func TestCoordErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewDeliveryError("m-9", "publish failed", cause)

	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}

	wrapped := fmt.Errorf("dispatch: %w", err)
	if !IsDeliveryFailure(wrapped) {
		t.Error("HasCode should see through fmt.Errorf wrapping")
	}
	if IsQueueFull(wrapped) {
		t.Error("wrong code must not match")
	}
}

func TestCoordErrorMessage(t *testing.T) {
	err := NewStepRejectedError("wf-1", "verify", "status field missing")
	msg := err.Error()
	if msg != "[WORKFLOW_STEP_REJECTED] step verify rejected: status field missing" {
		t.Errorf("unexpected message: %s", msg)
	}

	withCause := NewIntegrityViolationError("checksum mismatch", errors.New("crc 0x1f"))
	if withCause.Error() != "[INTEGRITY_VIOLATION] checksum mismatch: crc 0x1f" {
		t.Errorf("unexpected message: %s", withCause.Error())
	}
}
