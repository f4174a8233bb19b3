package store

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/MPBridge/internal/models"
)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.AppendTurn("u1", models.Turn{Role: models.RoleUser, Content: "你好"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AppendTurn("u1", models.Turn{Role: models.RoleAssistant, Content: "你好，很高兴见到你"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	turns, err := s.RecentTurns("u1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != models.RoleUser || turns[1].Role != models.RoleAssistant {
		t.Errorf("turns = %+v", turns)
	}
	if turns[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not filled on append")
	}
}

func TestInMemoryStoreRecentTurnsLimit(t *testing.T) {
	s := NewInMemoryStore()
	for i := 0; i < 5; i++ {
		content := string(rune('a' + i))
		if err := s.AppendTurn("u1", models.Turn{Role: models.RoleUser, Content: content}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	turns, err := s.RecentTurns("u1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "d" || turns[1].Content != "e" {
		t.Errorf("turns = %+v, want the two newest in order", turns)
	}
}

func TestInMemoryStoreClearAndSweep(t *testing.T) {
	s := NewInMemoryStore()
	old := models.Turn{Role: models.RoleUser, Content: "old", CreatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := models.Turn{Role: models.RoleUser, Content: "fresh", CreatedAt: time.Now()}
	s.AppendTurn("u1", old)
	s.AppendTurn("u1", fresh)
	s.AppendTurn("u2", old)

	removed, err := s.SweepExpired(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Errorf("SweepExpired removed %d, want 2", removed)
	}
	if ids := s.Conversations(); len(ids) != 1 || ids[0] != "u1" {
		t.Errorf("Conversations = %v, want [u1]", ids)
	}

	if err := s.ClearConversation("u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	turns, _ := s.RecentTurns("u1", 10)
	if len(turns) != 0 {
		t.Errorf("turns after clear = %+v", turns)
	}
}

func TestDetectBackend(t *testing.T) {
	cases := []struct {
		dsn  string
		want Backend
	}{
		{"", BackendMemory},
		{"postgres://u:p@localhost/db", BackendPostgres},
		{"postgresql://u:p@localhost/db", BackendPostgres},
		{"host=localhost user=mp dbname=mpbridge", BackendPostgres},
		{"/var/lib/mpbridge/history.db", BackendSQLite},
		{"history.db", BackendSQLite},
	}
	for _, tc := range cases {
		if got := DetectBackend(tc.dsn); got != tc.want {
			t.Errorf("DetectBackend(%q) = %q, want %q", tc.dsn, got, tc.want)
		}
	}
}

func TestSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "history.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	if err := s.AppendTurn("u1", models.Turn{Role: models.RoleUser, Content: "问题"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AppendTurn("u1", models.Turn{Role: models.RoleAssistant, Content: "答案"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	turns, err := s.RecentTurns("u1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "答案" {
		t.Errorf("turns = %+v, want only the newest", turns)
	}

	removed, err := s.SweepExpired(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Errorf("SweepExpired removed %d, want 2", removed)
	}
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for the connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	s.db.Exec("DELETE FROM conversation_turns")

	if err := s.AppendTurn("u1", models.Turn{Role: models.RoleUser, Content: "问题"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	turns, err := s.RecentTurns("u1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "问题" {
		t.Error("turn not stored or retrieved correctly in Postgres")
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
