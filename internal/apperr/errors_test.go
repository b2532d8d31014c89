package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := InsufficientFunds("balance %s below %s", "50", "100")
	wrapped := fmt.Errorf("process withdrawal: %w", base)

	if got := KindOf(wrapped); got != KindInsufficientFunds {
		t.Fatalf("kind mismatch: %s", got)
	}
	if Retryable(wrapped) {
		t.Fatalf("insufficient funds must not be retryable")
	}
	if HTTPStatus(KindOf(wrapped)) != http.StatusConflict {
		t.Fatalf("status mismatch")
	}
}

func TestUnclassifiedIsInternal(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal kind")
	}
	if !Retryable(err) {
		t.Fatalf("internal errors map to 5xx and are retryable")
	}
}

func TestTransientWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("filter logs", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost")
	}
	if !Is(err, KindTransient) {
		t.Fatalf("expected transient")
	}
	if Transient("noop", nil) != nil {
		t.Fatalf("nil cause should yield nil")
	}
}

func TestReplayCarriesExisting(t *testing.T) {
	err := fmt.Errorf("apply: %w", Replay("duplicate", 42))
	existing, ok := ExistingOf(err)
	if !ok || existing.(int) != 42 {
		t.Fatalf("existing mismatch: %v %v", existing, ok)
	}
	if _, ok := ExistingOf(NotFound("account")); ok {
		t.Fatalf("not found must not carry existing")
	}
}

func TestRetryableStatus(t *testing.T) {
	if RetryableStatus(http.StatusBadRequest) || RetryableStatus(http.StatusConflict) {
		t.Fatalf("4xx must not be retryable")
	}
	if !RetryableStatus(http.StatusServiceUnavailable) {
		t.Fatalf("5xx must be retryable")
	}
}
