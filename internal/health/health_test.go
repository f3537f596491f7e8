package health

import (
	"testing"
	"time"
)

func TestFormatUptime(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{0, "0s"},
		{30000, "30s"},
		{59000, "59s"},
		{60000, "1m 0s"},
		{90000, "1m 30s"},
		{3661000, "1h 1m"},
		{90061000, "25h 1m"},
		{86400000, "24h 0m"},
	}
	for _, c := range cases {
		d := time.Duration(c.ms) * time.Millisecond
		if got := FormatUptime(d); got != c.want {
			t.Errorf("FormatUptime(%dms) = %q, want %q", c.ms, got, c.want)
		}
	}
}

func TestFormatUptime_Monotonic(t *testing.T) {
	// Longer uptimes never format "smaller": spot-check a rising sequence.
	prev := ""
	for _, d := range []time.Duration{30 * time.Second, 90 * time.Second, time.Hour, 25 * time.Hour} {
		got := FormatUptime(d)
		if got == prev {
			t.Errorf("FormatUptime(%v) repeated %q", d, got)
		}
		prev = got
	}
}

func TestFormatAvgDuration(t *testing.T) {
	cases := []struct {
		ms   float64
		want string
	}{
		{0, "0.00ms"},
		{1.234, "1.23ms"},
		{100.999, "101.00ms"},
		{7, "7.00ms"},
	}
	for _, c := range cases {
		if got := FormatAvgDuration(c.ms); got != c.want {
			t.Errorf("FormatAvgDuration(%v) = %q, want %q", c.ms, got, c.want)
		}
	}
}

func TestRoundTrips(t *testing.T) {
	var r RoundTrips
	if got := r.AverageMs(); got != 0 {
		t.Fatalf("empty average = %v", got)
	}

	r.Observe(10 * time.Millisecond)
	r.Observe(20 * time.Millisecond)

	if got := r.AverageMs(); got != 15 {
		t.Fatalf("average = %v, want 15", got)
	}
	if got := r.Count(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
}
