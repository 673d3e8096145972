package store

import (
	"context"
	"testing"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	turns, err := s.LoadRecentTurns(ctx, "user-1")
	if err != nil {
		t.Fatalf("LoadRecentTurns() failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("Expected empty history for new user, got %d turns", len(turns))
	}

	saved := []Turn{
		{Role: RoleUser, Content: "what's the weather"},
		{Role: RoleAssistant, Content: "No idea, I'm indoors."},
	}
	if err := s.PersistTurns(ctx, "user-1", "session-1", saved); err != nil {
		t.Fatalf("PersistTurns() failed: %v", err)
	}

	turns, err = s.LoadRecentTurns(ctx, "user-1")
	if err != nil {
		t.Fatalf("LoadRecentTurns() failed: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != RoleUser || turns[1].Role != RoleAssistant {
		t.Errorf("Turn ordering not preserved: %+v", turns)
	}
}

func TestMemoryStore_IsolatedPerUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.PersistTurns(ctx, "user-a", "s1", []Turn{{Role: RoleUser, Content: "hi"}}); err != nil {
		t.Fatalf("PersistTurns() failed: %v", err)
	}

	turns, err := s.LoadRecentTurns(ctx, "user-b")
	if err != nil {
		t.Fatalf("LoadRecentTurns() failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("user-b sees user-a's turns: %+v", turns)
	}
}

func TestMemoryStore_LoadMemory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mem, err := s.LoadMemory(ctx, "user-1")
	if err != nil {
		t.Fatalf("LoadMemory() failed: %v", err)
	}
	if mem != nil {
		t.Errorf("Expected nil memory for new user, got %+v", mem)
	}

	s.SetMemory("user-1", &Memory{LongTermSummary: "likes tea"})
	mem, err = s.LoadMemory(ctx, "user-1")
	if err != nil {
		t.Fatalf("LoadMemory() failed: %v", err)
	}
	if mem == nil || mem.LongTermSummary != "likes tea" {
		t.Errorf("Expected seeded memory, got %+v", mem)
	}
}

func TestTrimWindow(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "one"},
		{Role: RoleAssistant, Content: "two"},
		{Role: RoleUser, Content: "three"},
		{Role: RoleAssistant, Content: "four"},
	}

	trimmed := TrimWindow(turns, 2)
	if len(trimmed) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(trimmed))
	}
	if trimmed[0].Content != "three" || trimmed[1].Content != "four" {
		t.Errorf("Expected most recent turns kept, got %+v", trimmed)
	}

	if got := TrimWindow(turns, 10); len(got) != 4 {
		t.Errorf("Window larger than history should be a no-op, got %d turns", len(got))
	}
	if got := TrimWindow(turns, 0); len(got) != 4 {
		t.Errorf("Zero limit should be a no-op, got %d turns", len(got))
	}
}
