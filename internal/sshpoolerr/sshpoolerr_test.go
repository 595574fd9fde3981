package sshpoolerr_test

import (
	"errors"
	"testing"

	"github.com/websoft9/sshpool/internal/sshpoolerr"
)

func TestWithRetryRetriesRetryableKind(t *testing.T) {
	attempts := 0
	err := sshpoolerr.WithRetry(func() error {
		attempts++
		return sshpoolerr.New(sshpoolerr.OperationError, "mkdir failed", sshpoolerr.Context{}, nil)
	})
	if attempts != sshpoolerr.RetryAttempts {
		t.Fatalf("expected %d attempts, got %d", sshpoolerr.RetryAttempts, attempts)
	}
	if sshpoolerr.KindOf(err) != sshpoolerr.OperationError {
		t.Fatalf("expected the last operation error to be returned, got %v", err)
	}
}

func TestWithRetryDoesNotRetryNonRetryableKind(t *testing.T) {
	attempts := 0
	_ = sshpoolerr.WithRetry(func() error {
		attempts++
		return sshpoolerr.New(sshpoolerr.AuthenticationFailed, "bad password", sshpoolerr.Context{}, nil)
	})
	if attempts != 1 {
		t.Fatalf("expected a non-retryable error to fail fast after 1 attempt, got %d", attempts)
	}
}

func TestWithRetrySucceedsWithoutExhaustingAttempts(t *testing.T) {
	attempts := 0
	err := sshpoolerr.WithRetry(func() error {
		attempts++
		if attempts < 2 {
			return sshpoolerr.New(sshpoolerr.OperationError, "transient", sshpoolerr.Context{}, nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestWithRetryTreatsUnclassifiedErrorsAsRetryable(t *testing.T) {
	attempts := 0
	_ = sshpoolerr.WithRetry(func() error {
		attempts++
		return errors.New("boom")
	})
	if attempts != sshpoolerr.RetryAttempts {
		t.Fatalf("expected an unclassified error to default to retryable, got %d attempts", attempts)
	}
}
