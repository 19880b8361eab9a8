package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "tutorbot/pkg/logx"
)

func TestFileStoreDedupSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "bot.db")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(context.Background(), "alert:1001:1730", until); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	got, ok, err := st2.GetDedup(context.Background(), "alert:1001:1730")
	if err != nil || !ok {
		t.Fatalf("GetDedup ok=%v err=%v", ok, err)
	}
	if got.Unix() != until.Unix() {
		t.Fatalf("until = %v, want %v", got, until)
	}
}

func TestFileStoreAuditAppend(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	err = st.AppendAudit(context.Background(), AuditEntry{
		Kind:        "alert",
		SubjectID:   1001,
		SubjectName: "태호",
		Date:        "2025-01-06",
		SessionHHMM: 1730,
		OffsetMin:   -10,
		OK:          true,
	})
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "bot.audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("audit file empty")
	}
	var rec map[string]any
	if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
		t.Fatalf("audit line not json: %v", err)
	}
	if rec["kind"] != "alert" || rec["id"] == "" {
		t.Fatalf("audit record = %v", rec)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("disabled storage: st=%v err=%v", st, err)
	}
}
