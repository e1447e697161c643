package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPawnMetricsObserve(t *testing.T) {
	m := Pawn()
	before := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "wrong_state"))
	m.Observe("deposit", "wrong_state", 5*time.Millisecond)
	m.Observe("deposit", "", time.Millisecond)
	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "wrong_state")); got != before+1 {
		t.Fatalf("wrong_state counter %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "ok")); got < 1 {
		t.Fatalf("ok counter not incremented")
	}

	volBefore := testutil.ToFloat64(m.volume.WithLabelValues("repay"))
	m.AddVolume("repay", 1_003_000_000)
	m.AddVolume("repay", 0)
	if got := testutil.ToFloat64(m.volume.WithLabelValues("repay")); got != volBefore+1_003_000_000 {
		t.Fatalf("volume %v, want %v", got, volBefore+1_003_000_000)
	}

	m.RecordEvent("pawn.loan.repaid")
	if got := testutil.ToFloat64(m.events.WithLabelValues("pawn.loan.repaid")); got < 1 {
		t.Fatalf("event counter not incremented")
	}
}

func TestModuleMetricsObserve(t *testing.T) {
	m := ModuleMetrics()
	before := testutil.ToFloat64(m.errors.WithLabelValues("/v1/loans", "POST", "409"))
	m.Observe("/v1/loans", "POST", 409, time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/v1/loans", "POST", "409")); got != before+1 {
		t.Fatalf("error counter %v, want %v", got, before+1)
	}
	m.RecordThrottle("", "")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unknown", "unspecified")); got < 1 {
		t.Fatalf("throttle counter not incremented")
	}
}
