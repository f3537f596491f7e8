package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/marcus/livesync/internal/collection"
)

func detector(opts Options) *Detector {
	d := NewDetector(opts)
	return d
}

func TestDiverged(t *testing.T) {
	cases := []struct {
		name   string
		local  collection.Record
		remote collection.Record
		want   bool
	}{
		{
			"identical",
			collection.Record{"id": "a", "title": "x"},
			collection.Record{"id": "a", "title": "x"},
			false,
		},
		{
			"metadata only",
			collection.Record{"id": "a", "title": "x", "updated_at": "2026-01-01T00:00:00Z"},
			collection.Record{"id": "a", "title": "x", "updated_at": "2026-01-02T00:00:00Z"},
			false,
		},
		{
			"field differs",
			collection.Record{"id": "a", "title": "local"},
			collection.Record{"id": "a", "title": "remote"},
			true,
		},
		{
			"field missing remotely",
			collection.Record{"id": "a", "title": "x", "extra": 1},
			collection.Record{"id": "a", "title": "x"},
			true,
		},
		{
			"field added remotely",
			collection.Record{"id": "a", "title": "x"},
			collection.Record{"id": "a", "title": "x", "extra": 1},
			true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Diverged(c.local, c.remote); got != c.want {
				t.Errorf("Diverged = %v, want %v", got, c.want)
			}
		})
	}
}

func TestDetect_AgreementRaisesNothing(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual})
	t.Cleanup(d.Close)

	_, raised := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "same"},
		collection.Record{"id": "a", "title": "same"},
		nil)
	if raised {
		t.Fatal("conflict raised for agreeing payloads")
	}
}

func TestDetect_OnePendingPerEntity(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual})
	t.Cleanup(d.Close)

	first, _ := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local"},
		collection.Record{"id": "a", "title": "remote1"}, nil)
	second, _ := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local"},
		collection.Record{"id": "a", "title": "remote2"}, nil)

	if first.ID != second.ID {
		t.Fatalf("two active conflicts for one entity: %s vs %s", first.ID, second.ID)
	}
	pending, _ := d.Counts()
	if pending != 1 {
		t.Fatalf("pending = %d, want 1", pending)
	}
	got, _ := d.PendingFor("a")
	if got.RemoteData["title"] != "remote2" {
		t.Fatalf("remote data not refreshed: %v", got.RemoteData)
	}
}

func TestResolve_RemoteWins(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual})
	t.Cleanup(d.Close)

	c, _ := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local"},
		collection.Record{"id": "a", "title": "remote"}, nil)

	res, err := d.Resolve(c.ID, StrategyRemoteWins)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Winner["title"] != "remote" || res.Resend {
		t.Fatalf("res = %+v", res)
	}
}

func TestResolve_LocalWinsRequestsResend(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual})
	t.Cleanup(d.Close)

	c, _ := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local"},
		collection.Record{"id": "a", "title": "remote"}, nil)

	res, err := d.Resolve(c.ID, StrategyLocalWins)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Winner["title"] != "local" || !res.Resend {
		t.Fatalf("res = %+v", res)
	}
}

func TestResolve_TimestampWins(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual})
	t.Cleanup(d.Close)

	c, _ := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local", "updated_at": "2026-02-01T00:00:00Z"},
		collection.Record{"id": "a", "title": "remote", "updated_at": "2026-01-01T00:00:00Z"}, nil)

	res, err := d.Resolve(c.ID, StrategyTimestampWins)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Winner["title"] != "local" {
		t.Fatalf("newer local side lost: %+v", res.Winner)
	}
}

func TestResolve_TimestampTieFallsBackToRemote(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual})
	t.Cleanup(d.Close)

	ts := "2026-01-01T00:00:00Z"
	c, _ := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local", "updated_at": ts},
		collection.Record{"id": "a", "title": "remote", "updated_at": ts}, nil)

	res, err := d.Resolve(c.ID, StrategyTimestampWins)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Winner["title"] != "remote" {
		t.Fatalf("tie did not fall back to remote: %+v", res.Winner)
	}
}

func TestResolve_MergeDistinctFields(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual})
	t.Cleanup(d.Close)

	base := collection.Record{"id": "a", "title": "base", "status": "open"}
	c, _ := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local", "status": "open"},
		collection.Record{"id": "a", "title": "base", "status": "closed"},
		base)

	res, err := d.Resolve(c.ID, StrategyMerge)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Winner["title"] != "local" || res.Winner["status"] != "closed" {
		t.Fatalf("merge = %+v", res.Winner)
	}
	if !res.Resend {
		t.Fatal("merged result must be re-sent")
	}
}

func TestResolve_MergeSameFieldFallsBackToManual(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual})
	t.Cleanup(d.Close)

	base := collection.Record{"id": "a", "title": "base"}
	c, _ := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local"},
		collection.Record{"id": "a", "title": "remote"},
		base)

	_, err := d.Resolve(c.ID, StrategyMerge)
	if !errors.Is(err, ErrManualRequired) {
		t.Fatalf("err = %v, want ErrManualRequired", err)
	}
	// Conflict stays pending for explicit human choice.
	if _, ok := d.PendingFor("a"); !ok {
		t.Fatal("conflict no longer pending after failed merge")
	}
}

func TestResolve_Idempotent(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual})
	t.Cleanup(d.Close)

	c, _ := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local"},
		collection.Record{"id": "a", "title": "remote"}, nil)

	first, err := d.Resolve(c.ID, StrategyRemoteWins)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Second resolve, even with a different strategy, is a no-op.
	second, err := d.Resolve(c.ID, StrategyLocalWins)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Conflict.Strategy != StrategyRemoteWins || second.Winner["title"] != first.Winner["title"] {
		t.Fatalf("second resolve changed outcome: %+v", second)
	}

	_, resolved := d.Counts()
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}
}

func TestResolve_UnknownID(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual})
	t.Cleanup(d.Close)

	if _, err := d.Resolve("nope", StrategyRemoteWins); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAutoResolve_AppliesFallbackAfterTimeout(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyManual, AutoResolveTimeout: 20 * time.Millisecond})
	t.Cleanup(d.Close)

	applied := make(chan Resolution, 1)
	d.OnResolved = func(r Resolution) { applied <- r }

	d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local"},
		collection.Record{"id": "a", "title": "remote"}, nil)

	select {
	case r := <-applied:
		// Manual default falls back to remote_wins.
		if r.Conflict.Strategy != StrategyRemoteWins || r.Winner["title"] != "remote" {
			t.Fatalf("auto-resolution = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("auto-resolution never fired")
	}
}

func TestClearResolved(t *testing.T) {
	d := detector(Options{DefaultStrategy: StrategyRemoteWins})
	t.Cleanup(d.Close)

	c, _ := d.Detect("issues", "a",
		collection.Record{"id": "a", "title": "local"},
		collection.Record{"id": "a", "title": "remote"}, nil)
	d.Resolve(c.ID, "") //nolint:errcheck // default strategy

	if got := len(d.History()); got != 1 {
		t.Fatalf("history = %d, want 1", got)
	}
	d.ClearResolved()
	if got := len(d.History()); got != 0 {
		t.Fatalf("history = %d after clear, want 0", got)
	}
}
