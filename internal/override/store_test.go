package override

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tutorbot/internal/timetable"
	logx "tutorbot/pkg/logx"
)

var day = timetable.Date{Year: 2025, Month: time.January, Day: 6}

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "overrides.json"), logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	return s
}

func TestMutualExclusionSingleThenPair(t *testing.T) {
	t.Parallel()
	s := openTemp(t)

	if _, err := s.SetSingleChange(day, 1001, "19:00"); err != nil {
		t.Fatal(err)
	}
	e, err := s.AddChangePair(day, 1001, "17:00", "20:30")
	if err != nil {
		t.Fatal(err)
	}
	if e.Change != nil {
		t.Fatalf("single change not cleared by AddChangePair: %+v", e)
	}
	if len(e.Changes) != 1 || e.Changes[0] != (Change{From: "17:00", To: "20:30"}) {
		t.Fatalf("changes = %v", e.Changes)
	}

	e, err = s.SetSingleChange(day, 1001, "21:00")
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Changes) != 0 {
		t.Fatalf("change list not cleared by SetSingleChange: %+v", e)
	}
	if e.Change == nil || *e.Change != "21:00" {
		t.Fatalf("single change = %v", e.Change)
	}
}

func TestAddChangePairDedupAndNormalization(t *testing.T) {
	t.Parallel()
	s := openTemp(t)

	if _, err := s.AddChangePair(day, 5, "17시", "20시30분"); err != nil {
		t.Fatal(err)
	}
	e, err := s.AddChangePair(day, 5, "17:00", "20:30")
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Changes) != 1 {
		t.Fatalf("duplicate pair appended: %v", e.Changes)
	}
}

func TestInvalidTimeRejectedStoreUnchanged(t *testing.T) {
	t.Parallel()
	s := openTemp(t)

	if _, err := s.AddMakeup(day, 5, "25:99"); err == nil {
		t.Fatal("expected error for invalid time")
	}
	if _, ok := s.Entry(day, 5); ok {
		t.Fatal("store mutated by rejected input")
	}
}

func TestMakeupSetSemantics(t *testing.T) {
	t.Parallel()
	s := openTemp(t)

	for i := 0; i < 2; i++ {
		if _, err := s.AddMakeup(day, 9, "21:00"); err != nil {
			t.Fatal(err)
		}
	}
	e, _ := s.Entry(day, 9)
	if len(e.Makeup) != 1 {
		t.Fatalf("makeup = %v, want one entry", e.Makeup)
	}

	if _, err := s.RemoveMakeup(day, 9, "21시"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Entry(day, 9); ok {
		t.Fatal("empty entry not pruned after last makeup removed")
	}
}

func TestCancelTogglePrunesEntry(t *testing.T) {
	t.Parallel()
	s := openTemp(t)

	if _, err := s.SetCancelled(day, 7, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Entry(day, 7); !ok {
		t.Fatal("entry missing after cancel")
	}
	if _, err := s.SetCancelled(day, 7, false); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Entry(day, 7); ok {
		t.Fatal("all-default entry not pruned")
	}
	if len(s.Dates()) != 0 {
		t.Fatalf("empty day bucket kept: %v", s.Dates())
	}
}

func TestNoSubjectIDRejected(t *testing.T) {
	t.Parallel()
	s := openTemp(t)
	if _, err := s.SetCancelled(day, 0, true); err != ErrNoSubjectID {
		t.Fatalf("err = %v, want ErrNoSubjectID", err)
	}
}

func TestPersistAndReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "overrides.json")
	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddChangePair(day, 1001, "17:00", "20:30"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddMakeup(day, 1001, "21:00"); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	e, ok := s2.Entry(day, 1001)
	if !ok {
		t.Fatal("entry lost across reload")
	}
	if len(e.Changes) != 1 || len(e.Makeup) != 1 {
		t.Fatalf("reloaded entry = %+v", e)
	}

	// The persisted document uses the date -> subject-id -> entry shape.
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]map[string]Entry
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("persisted shape: %v", err)
	}
	if _, ok := doc["2025-01-06"]["1001"]; !ok {
		t.Fatalf("persisted doc = %v", doc)
	}
}

func TestRecoveryFromCorruptPrimary(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.json")

	good := `{"2025-01-06":{"1001":{"cancel":true,"change":null,"changes":[],"makeup":[]}}}`
	if err := os.WriteFile(path, []byte("{truncated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+".tmp", []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	e, ok := s.Entry(day, 1001)
	if !ok || !e.Cancel {
		t.Fatalf("tmp recovery failed: entry=%+v ok=%v", e, ok)
	}
}

func TestMigrateLegacyNameKeys(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.json")
	doc := `{
	  "2025-01-06": {
	    "태호": {"cancel":true,"change":null,"changes":[],"makeup":[]},
	    "유령": {"cancel":true,"change":null,"changes":[],"makeup":[]}
	  }
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	moved, dropped := s.Migrate(map[string]int64{"태호": 1001})
	if moved != 1 || dropped != 1 {
		t.Fatalf("moved=%d dropped=%d, want 1/1", moved, dropped)
	}
	if e, ok := s.Entry(day, 1001); !ok || !e.Cancel {
		t.Fatalf("migrated entry = %+v ok=%v", e, ok)
	}

	// Idempotent: a second pass changes nothing.
	if m, d := s.Migrate(map[string]int64{"태호": 1001}); m != 0 || d != 0 {
		t.Fatalf("second pass moved=%d dropped=%d", m, d)
	}
}

func TestForDateView(t *testing.T) {
	t.Parallel()
	s := openTemp(t)
	if _, err := s.AddChangePair(day, 1001, "17:00", "20:30"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddMakeup(day, 1001, "21:00"); err != nil {
		t.Fatal(err)
	}
	ovs := s.ForDate(day)
	ov, ok := ovs[1001]
	if !ok {
		t.Fatalf("ForDate = %v", ovs)
	}
	if len(ov.Changes) != 1 || ov.Changes[0].To != (timetable.TimeOfDay{Hour: 20, Minute: 30}) {
		t.Fatalf("view changes = %v", ov.Changes)
	}
	if len(ov.Makeup) != 1 || ov.Makeup[0] != (timetable.TimeOfDay{Hour: 21}) {
		t.Fatalf("view makeup = %v", ov.Makeup)
	}
}
