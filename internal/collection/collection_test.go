package collection

import (
	"testing"
	"time"
)

func rec(id string, fields map[string]any) Record {
	r := Record{"id": id}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID()
	}
	return out
}

func assertIDs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestApply_InsertAppendsAbsentID(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", nil), rec("b", nil)})

	c.Apply(ChangeEvent{Table: "issues", Op: OpInsert, Record: rec("c", nil), ReceivedAt: time.Now()})

	assertIDs(t, ids(c.Snapshot()), "a", "b", "c")
}

func TestApply_DuplicateInsertOverwritesInPlace(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", map[string]any{"title": "one"}), rec("b", nil)})

	ev := ChangeEvent{Table: "issues", Op: OpInsert, Record: rec("a", map[string]any{"title": "two"})}
	c.Apply(ev)
	c.Apply(ev) // duplicate delivery

	snap := c.Snapshot()
	assertIDs(t, ids(snap), "a", "b")
	if snap[0]["title"] != "two" {
		t.Fatalf("title = %v, want two", snap[0]["title"])
	}
}

func TestApply_UpdateAbsentIsNoop(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", nil)})

	c.Apply(ChangeEvent{Table: "issues", Op: OpUpdate, Record: rec("ghost", map[string]any{"title": "x"})})

	assertIDs(t, ids(c.Snapshot()), "a")
}

func TestApply_DeleteAbsentIsNoop(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", nil)})

	c.Apply(ChangeEvent{Table: "issues", Op: OpDelete, Record: rec("ghost", nil)})

	assertIDs(t, ids(c.Snapshot()), "a")
}

func TestApply_DeleteIsIdempotent(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", nil), rec("b", nil)})

	ev := ChangeEvent{Table: "issues", Op: OpDelete, Record: rec("a", nil)}
	c.Apply(ev)
	c.Apply(ev)

	assertIDs(t, ids(c.Snapshot()), "b")
}

func TestApply_UpdateIsIdempotent(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", map[string]any{"n": 1})})

	ev := ChangeEvent{Table: "issues", Op: OpUpdate, Record: rec("a", map[string]any{"n": 2})}
	c.Apply(ev)
	first := c.Snapshot()
	c.Apply(ev)
	second := c.Snapshot()

	if first[0]["n"] != second[0]["n"] {
		t.Fatalf("applying twice changed state: %v vs %v", first[0], second[0])
	}
}

func TestApply_SortedInsertWithOrderBy(t *testing.T) {
	c := New("issues", "rank")
	c.Seed([]Record{
		rec("a", map[string]any{"rank": 1}),
		rec("c", map[string]any{"rank": 3}),
	})

	c.Apply(ChangeEvent{Table: "issues", Op: OpInsert, Record: rec("b", map[string]any{"rank": 2})})

	assertIDs(t, ids(c.Snapshot()), "a", "b", "c")
}

func TestApply_BumpsLastServerSyncAt(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", nil)})
	before := c.LastServerSyncAt()

	time.Sleep(2 * time.Millisecond)
	c.Apply(ChangeEvent{Table: "issues", Op: OpInsert, Record: rec("b", nil)})

	if !c.LastServerSyncAt().After(before) {
		t.Fatal("lastServerSyncAt not advanced by applied event")
	}
}

func TestOverlay_UpdateShowsThroughSnapshot(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", map[string]any{"title": "server"})})

	if !c.SetOverlayUpdate("a", rec("a", map[string]any{"title": "local"})) {
		t.Fatal("overlay update rejected")
	}

	snap := c.Snapshot()
	if snap[0]["title"] != "local" {
		t.Fatalf("title = %v, want local", snap[0]["title"])
	}

	// Authoritative record is untouched.
	server, _ := c.ServerRecord("a")
	if server["title"] != "server" {
		t.Fatalf("server title = %v, want server", server["title"])
	}
}

func TestOverlay_DeleteHidesRow(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", nil), rec("b", nil)})

	c.SetOverlayUpdate("a", nil)

	assertIDs(t, ids(c.Snapshot()), "b")
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestOverlay_InsertAddsToOrderAndOverlayTogether(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", nil)})

	if !c.SetOverlayInsert("x", rec("x", map[string]any{"title": "draft"})) {
		t.Fatal("overlay insert rejected")
	}

	assertIDs(t, ids(c.Snapshot()), "a", "x")
	if !c.HasOverlay("x") {
		t.Fatal("overlay entry missing after insert")
	}
}

func TestOverlay_RevertUpdateRestoresServerValue(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", map[string]any{"title": "server"})})
	c.SetOverlayUpdate("a", rec("a", map[string]any{"title": "local"}))

	c.RevertOverlay("a", false)

	snap := c.Snapshot()
	if snap[0]["title"] != "server" {
		t.Fatalf("title = %v, want server after revert", snap[0]["title"])
	}
}

func TestOverlay_RevertInsertRemovesPlaceholder(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", nil)})
	c.SetOverlayInsert("x", rec("x", nil))

	c.RevertOverlay("x", true)

	assertIDs(t, ids(c.Snapshot()), "a")
	if c.Contains("x") {
		t.Fatal("placeholder record survived revert")
	}
}

func TestOverlay_ClearLetsAuthoritativeRecordStand(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", map[string]any{"title": "old"})})
	c.SetOverlayUpdate("a", rec("a", map[string]any{"title": "local"}))

	// Authoritative confirmation arrives, then the overlay is cleared.
	c.Apply(ChangeEvent{Table: "issues", Op: OpUpdate, Record: rec("a", map[string]any{"title": "confirmed"})})
	c.ClearOverlay("a")

	snap := c.Snapshot()
	if snap[0]["title"] != "confirmed" {
		t.Fatalf("title = %v, want confirmed", snap[0]["title"])
	}
}

func TestApply_DeleteDropsOverlayToo(t *testing.T) {
	c := New("issues", "")
	c.Seed([]Record{rec("a", nil)})
	c.SetOverlayUpdate("a", rec("a", map[string]any{"title": "local"}))

	c.Apply(ChangeEvent{Table: "issues", Op: OpDelete, Record: rec("a", nil)})

	if c.HasOverlay("a") {
		t.Fatal("overlay survived authoritative delete")
	}
	if len(c.Snapshot()) != 0 {
		t.Fatal("row survived authoritative delete")
	}
}
