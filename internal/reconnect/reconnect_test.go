package reconnect

import (
	"testing"
	"time"

	"github.com/websoft9/sshpool/internal/sshpoolerr"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		kind sshpoolerr.Kind
		msg  string
		want FailureClass
	}{
		{sshpoolerr.TransportUnavailable, "connect: connection refused", ClassNetwork},
		{sshpoolerr.AuthenticationFailed, "authentication failed", ClassAuthentication},
		{sshpoolerr.Timeout, "i/o timeout", ClassTimeout},
		{sshpoolerr.ResourceLimit, "too many open files", ClassResource},
		{sshpoolerr.Unknown, "something unexpected", ClassUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.kind, c.msg); got != c.want {
			t.Errorf("Classify(%v, %q) = %v, want %v", c.kind, c.msg, got, c.want)
		}
	}
}

func TestFailureClassRetryable(t *testing.T) {
	if ClassAuthentication.Retryable() {
		t.Fatal("AUTHENTICATION must not be retryable")
	}
	if ClassResource.Retryable() {
		t.Fatal("RESOURCE must not be retryable")
	}
	if !ClassNetwork.Retryable() {
		t.Fatal("NETWORK should be retryable")
	}
	if !ClassTimeout.Retryable() {
		t.Fatal("TIMEOUT should be retryable")
	}
}

func TestComputeDelayFastPath(t *testing.T) {
	d := computeDelay(1, "read: connection reset by peer", 1.0, false)
	if d != FastReconnectDelay {
		t.Fatalf("expected fast-path delay %s, got %s", FastReconnectDelay, d)
	}
}

func TestComputeDelayExponentialSequence(t *testing.T) {
	// No jitter possible to assert exactly since Jitter>0 adds up to 1s;
	// assert the floor of each step instead (spec §4.4: 1,2,4,8,16s before jitter).
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, base := range want {
		d := computeDelay(i+1, "some other failure", 1.0, false)
		if d < base || d > base+Jitter {
			t.Fatalf("retry %d: got %s, want in [%s, %s]", i+1, d, base, base+Jitter)
		}
	}
}

func TestComputeDelayCapsAtMaxBackoff(t *testing.T) {
	d := computeDelay(10, "some other failure", 1.0, false)
	if d < MaxBackoff || d > MaxBackoff+Jitter {
		t.Fatalf("expected delay capped near %s, got %s", MaxBackoff, d)
	}
}

func TestComputeDelayAdaptiveMultiplier(t *testing.T) {
	base := computeDelay(1, "some other failure", 1.0, false)
	adaptive := computeDelay(1, "some other failure", 0.5, true)
	// Both draw their own jitter, so compare each against its own range
	// rather than against each other.
	lo := time.Duration(float64(InitialBackoff) * AdaptiveMultiplier)
	hi := time.Duration(float64(InitialBackoff+Jitter) * AdaptiveMultiplier)
	if base > InitialBackoff+Jitter || adaptive < lo || adaptive > hi {
		t.Fatalf("expected adaptive delay (%s) in [%s, %s] (base delay %s) when success rate is low", adaptive, lo, hi, base)
	}
}

func TestRecentSuccessRateWindow(t *testing.T) {
	var history []attemptRecord
	for i := 0; i < 15; i++ {
		history = append(history, attemptRecord{success: i >= 10}) // last 5 succeed
	}
	rate := recentSuccessRate(history)
	if rate < 0.49 || rate > 0.51 {
		t.Fatalf("expected ~0.5 success rate over the last %d attempts, got %f", AdaptiveWindow, rate)
	}
}

func TestSanitizeHidesInternalPhrasing(t *testing.T) {
	err := errorString("callback.onClose is not a function")
	got := sanitize(err)
	if got == err.Error() {
		t.Fatal("expected internal-programming-error phrasing to be sanitized")
	}
}

func TestSanitizePassesThroughOrdinaryErrors(t *testing.T) {
	err := errorString("connection refused")
	if sanitize(err) != err.Error() {
		t.Fatal("expected ordinary error message to pass through unchanged")
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }
