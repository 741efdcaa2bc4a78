package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveQuery(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveQuery("user", 5*time.Millisecond, 3, nil)
	c.ObserveQuery("user", time.Millisecond, 0, errors.New("boom"))
	c.ObserveQuery("post", 2*time.Millisecond, 1, nil)

	if got := testutil.ToFloat64(c.QueriesTotal.WithLabelValues("user", "ok")); got != 1 {
		t.Errorf("user ok queries = %v", got)
	}
	if got := testutil.ToFloat64(c.QueriesTotal.WithLabelValues("user", "error")); got != 1 {
		t.Errorf("user error queries = %v", got)
	}
	if got := testutil.ToFloat64(c.QueriesTotal.WithLabelValues("post", "ok")); got != 1 {
		t.Errorf("post ok queries = %v", got)
	}

	// Result sizes are only recorded for successful queries.
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "modelq_query_results" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "model" && l.GetValue() == "user" {
					if m.GetHistogram().GetSampleCount() != 1 {
						t.Errorf("user result samples = %d, want 1", m.GetHistogram().GetSampleCount())
					}
				}
			}
		}
	}
}

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	// Vectors with no observations gather empty; registering twice
	// would panic instead.
	defer func() {
		if r := recover(); r == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	New(reg)
	_ = families
}
