package sessions

import (
	"testing"
	"time"

	"github.com/driftworks/conduit/internal/providers"
	"github.com/driftworks/conduit/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(store.NewSessionStore(db))
}

func TestGetOrCreate_NewSession(t *testing.T) {
	m := newTestManager(t)

	s, err := m.GetOrCreate("web:default")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s.Key != "web:default" || len(s.Messages) != 0 {
		t.Errorf("session = %+v", s)
	}
	if s.Metadata == nil {
		t.Error("metadata map not initialized")
	}

	// Same pointer on second call.
	again, err := m.GetOrCreate("web:default")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if again != s {
		t.Error("expected cached session pointer")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	st := store.NewSessionStore(db)

	m := NewManager(st)
	s, _ := m.GetOrCreate("telegram:42")
	now := time.Now().UTC().Truncate(time.Second)
	s.Append(providers.Message{Role: "user", Content: "hello", Timestamp: now})
	s.Append(providers.Message{
		Role:      "assistant",
		Timestamp: now,
		ToolCalls: []providers.ToolCall{{ID: "call_1", Name: "calculator", Arguments: map[string]any{"a": float64(2)}}},
	})
	s.Append(providers.Message{Role: "tool", Content: "5", ToolCallID: "call_1", Timestamp: now})
	if err := m.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Fresh manager over the same store simulates a restart.
	m2 := NewManager(st)
	loaded, err := m2.GetOrCreate("telegram:42")
	if err != nil {
		t.Fatalf("GetOrCreate after restart: %v", err)
	}
	if len(loaded.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(loaded.Messages))
	}

	asst := loaded.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" || asst.ToolCalls[0].Name != "calculator" {
		t.Errorf("assistant tool calls = %+v", asst.ToolCalls)
	}
	toolMsg := loaded.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" || toolMsg.Content != "5" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestSave_ReplacesMessages(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	st := store.NewSessionStore(db)

	m := NewManager(st)
	s, _ := m.GetOrCreate("web:x")
	s.Append(providers.Message{Role: "user", Content: "one", Timestamp: time.Now()})
	s.Append(providers.Message{Role: "assistant", Content: "two", Timestamp: time.Now()})
	if err := m.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Compaction rewrote history; save again and reload.
	s.Messages = []providers.Message{{Role: "assistant", Content: "summary", Timestamp: time.Now()}}
	if err := m.Save(s); err != nil {
		t.Fatalf("Save after compaction: %v", err)
	}

	loaded, err := NewManager(st).GetOrCreate("web:x")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "summary" {
		t.Errorf("messages = %+v", loaded.Messages)
	}
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.GetOrCreate("web:gone")
	s.Append(providers.Message{Role: "user", Content: "hi", Timestamp: time.Now()})
	if err := m.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	existed, err := m.Delete("web:gone")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Error("expected existing row")
	}

	existed, err = m.Delete("web:gone")
	if err != nil {
		t.Fatalf("Delete again: %v", err)
	}
	if existed {
		t.Error("second delete should report no row")
	}

	fresh, _ := m.GetOrCreate("web:gone")
	if len(fresh.Messages) != 0 {
		t.Errorf("messages after delete = %d", len(fresh.Messages))
	}
}

func TestCompactionCounter(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.GetOrCreate("web:c")
	if s.CompactionCount() != 0 {
		t.Errorf("initial count = %d", s.CompactionCount())
	}
	s.IncrementCompaction()
	s.IncrementCompaction()
	if s.CompactionCount() != 2 {
		t.Errorf("count = %d, want 2", s.CompactionCount())
	}
}

func TestLock_Serializes(t *testing.T) {
	m := newTestManager(t)

	unlock := m.Lock("web:l")
	acquired := make(chan struct{})
	go func() {
		u := m.Lock("web:l")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}
