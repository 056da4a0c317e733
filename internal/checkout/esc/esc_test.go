package esc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewMemoryStore(), Config{Enabled: true, Flow: "test"}, discardLogger())
}

func TestManagerSaveLookupDelete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		save   Identity
		lookup Identity
		found  bool
	}{
		{name: "by card id", save: CardID("c1"), lookup: CardID("c1"), found: true},
		{name: "by digits", save: Digits("450995", "3704"), lookup: Digits("450995", "3704"), found: true},
		{name: "other card", save: CardID("c1"), lookup: CardID("c2")},
		{name: "digits do not reach card id without alias", save: CardID("c1"), lookup: Digits("450995", "3704")},
		{
			name:   "full identity reachable by digits",
			save:   Identity{CardID: "c1", FirstSix: "450995", LastFour: "3704"},
			lookup: Digits("450995", "3704"),
			found:  true,
		},
		{
			name:   "full identity reachable by card id",
			save:   Identity{CardID: "c1", FirstSix: "450995", LastFour: "3704"},
			lookup: CardID("c1"),
			found:  true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			m := newTestManager(t)

			if err := m.Save(ctx, tt.save, "123"); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			code, ok := m.Lookup(ctx, tt.lookup)
			if ok != tt.found {
				t.Fatalf("found = %v, want %v", ok, tt.found)
			}
			if ok && code != "123" {
				t.Errorf("code = %q, want 123", code)
			}

			if err := m.Delete(ctx, tt.save); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if m.Has(ctx, tt.lookup) {
				t.Error("entry survived delete")
			}
		})
	}
}

func TestManagerNewCardThenAssociated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	// A new card is first known only by its digits.
	if err := m.Save(ctx, Digits("450995", "3704"), "first"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if code, ok := m.Lookup(ctx, Digits("450995", "3704")); !ok || code != "first" {
		t.Fatalf("lookup by digits = %q, %v", code, ok)
	}

	// Once the card id is known both forms resolve to one entry.
	if err := m.Save(ctx, Identity{CardID: "c9", FirstSix: "450995", LastFour: "3704"}, "second"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	for _, id := range []Identity{CardID("c9"), Digits("450995", "3704")} {
		if code, ok := m.Lookup(ctx, id); !ok || code != "second" {
			t.Errorf("lookup %v = %q, %v, want second", id, code, ok)
		}
	}

	// A digits-only save now updates the aliased card.
	if err := m.Save(ctx, Digits("450995", "3704"), "third"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if code, _ := m.Lookup(ctx, CardID("c9")); code != "third" {
		t.Errorf("card entry = %q, want third", code)
	}

	ids, err := m.SavedCardIDs(ctx)
	if err != nil {
		t.Fatalf("SavedCardIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c9" {
		t.Errorf("SavedCardIDs = %v, want [c9]", ids)
	}

	if err := m.Delete(ctx, Digits("450995", "3704")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if m.Has(ctx, CardID("c9")) {
		t.Error("delete by digits left the aliased card entry")
	}
}

func TestManagerDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, Config{Enabled: false}, discardLogger())

	if err := m.Save(ctx, CardID("c1"), "123"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	keys, _ := store.Keys(ctx, "")
	if len(keys) != 0 {
		t.Fatalf("disabled manager wrote %v", keys)
	}
	if m.Has(ctx, CardID("c1")) {
		t.Error("disabled manager returned an entry")
	}
	ids, err := m.SavedCardIDs(ctx)
	if err != nil || len(ids) != 0 {
		t.Errorf("SavedCardIDs = %v, %v", ids, err)
	}
}

func TestManagerRejectsEmptyIdentity(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if err := m.Save(context.Background(), Identity{FirstSix: "450995"}, "123"); err != ErrNoIdentity {
		t.Fatalf("err = %v, want ErrNoIdentity", err)
	}
}

func TestManagerConcurrentSaves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	const writers = 32
	codes := make(map[string]bool, writers)
	for i := 0; i < writers; i++ {
		codes[fmt.Sprintf("%03d", i)] = true
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		code := fmt.Sprintf("%03d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Save(ctx, CardID("c1"), code); err != nil {
				t.Errorf("Save failed: %v", err)
			}
			// A reader racing the writers always sees a complete entry.
			if got, ok := m.Lookup(ctx, CardID("c1")); !ok || !codes[got] {
				t.Errorf("lookup during writes = %q, %v", got, ok)
			}
		}()
	}
	wg.Wait()

	got, ok := m.Lookup(ctx, CardID("c1"))
	if !ok || !codes[got] {
		t.Fatalf("final code = %q, %v", got, ok)
	}
}

func TestScopedStoresAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	shared := NewMemoryStore()
	alice := NewManager(Scoped(shared, "alice"), Config{Enabled: true}, discardLogger())
	bob := NewManager(Scoped(shared, "bob"), Config{Enabled: true}, discardLogger())

	if err := alice.Save(ctx, CardID("c1"), "esc-a"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := bob.Lookup(ctx, CardID("c1")); ok {
		t.Fatal("bob sees alice's code")
	}
	if code, ok := alice.Lookup(ctx, CardID("c1")); !ok || code != "esc-a" {
		t.Fatalf("Lookup = %q, %t", code, ok)
	}

	ids, err := alice.SavedCardIDs(ctx)
	if err != nil {
		t.Fatalf("SavedCardIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("SavedCardIDs = %v, want [c1]", ids)
	}
	if ids, _ := bob.SavedCardIDs(ctx); len(ids) != 0 {
		t.Fatalf("bob SavedCardIDs = %v, want none", ids)
	}
}
