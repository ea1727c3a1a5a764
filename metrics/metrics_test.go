package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/relab/tomcast/metrics"
)

func TestRegisterSeveralMembers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1 := metrics.New()
	m2 := metrics.New()
	if err := m1.Register(reg, 1); err != nil {
		t.Fatalf("failed to register member 1: %v", err)
	}
	if err := m2.Register(reg, 2); err != nil {
		t.Fatalf("failed to register member 2: %v", err)
	}

	m1.MessagesDelivered.Add(3)
	m2.MessagesDelivered.Inc()

	if got := testutil.ToFloat64(m1.MessagesDelivered); got != 3 {
		t.Errorf("member 1 deliveries: got: %v, want: 3", got)
	}
	if got := testutil.ToFloat64(m2.MessagesDelivered); got != 1 {
		t.Errorf("member 2 deliveries: got: %v, want: 1", got)
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(reg, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(reg, 1); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
