package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, name string, c interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return m.Counter.GetValue()
}

func TestVerdictCounterIncrements(t *testing.T) {
	VerdictsTotal.Reset()

	VerdictsTotal.WithLabelValues("favor_raiser").Inc()
	VerdictsTotal.WithLabelValues("favor_raiser").Inc()
	VerdictsTotal.WithLabelValues("escalate").Inc()

	c, err := VerdictsTotal.GetMetricWithLabelValues("favor_raiser")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	if got := counterValue(t, "verdicts", c); got != 2.0 {
		t.Errorf("expected counter value 2, got %f", got)
	}
}

func TestReleaseCounters(t *testing.T) {
	ReleasesTotal.Reset()
	ReleaseBlockedTotal.Reset()

	ReleasesTotal.WithLabelValues("released").Inc()
	ReleasesTotal.WithLabelValues("already_released").Inc()
	ReleaseBlockedTotal.WithLabelValues("title-unverified").Inc()

	c, err := ReleaseBlockedTotal.GetMetricWithLabelValues("title-unverified")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	if got := counterValue(t, "blocked", c); got != 1.0 {
		t.Errorf("expected counter value 1, got %f", got)
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		200: "2xx", 201: "2xx", 301: "3xx", 404: "4xx", 409: "4xx", 500: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}
