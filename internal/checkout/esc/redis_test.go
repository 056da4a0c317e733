package esc

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	return s
}

func TestRedisStoreManager(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr, client := newTestRedis(t)

	m := NewManager(NewRedisStore(client, "esc", newTestSealer(t)), Config{Enabled: true, Flow: "checkout"}, discardLogger())

	if err := m.Save(ctx, Digits("450995", "3704"), "987"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if code, ok := m.Lookup(ctx, Digits("450995", "3704")); !ok || code != "987" {
		t.Fatalf("lookup = %q, %v", code, ok)
	}

	raw, err := mr.Get("esc:digits:450995:3704")
	if err != nil {
		t.Fatalf("raw entry missing: %v", err)
	}
	if bytes.Contains([]byte(raw), []byte("987")) {
		t.Error("code stored in clear")
	}

	if err := m.Save(ctx, Identity{CardID: "c1", FirstSix: "450995", LastFour: "3704"}, "654"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if mr.Exists("esc:digits:450995:3704") {
		t.Error("digits entry kept after card id became known")
	}
	ids, err := m.SavedCardIDs(ctx)
	if err != nil {
		t.Fatalf("SavedCardIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("SavedCardIDs = %v, want [c1]", ids)
	}

	if err := m.Delete(ctx, CardID("c1")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if m.Has(ctx, CardID("c1")) {
		t.Error("entry survived delete")
	}
}

func TestRedisStoreMovedBlobDoesNotOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, "esc", newTestSealer(t))

	if err := store.Apply(ctx, Batch{Set: map[string][]byte{"card:a": []byte("x")}}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	blob, _ := mr.Get("esc:card:a")
	mr.Set("esc:card:b", blob)

	if _, _, err := store.Get(ctx, "card:b"); !errors.Is(err, ErrUnsealable) {
		t.Fatalf("err = %v, want ErrUnsealable", err)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, "esc", nil)
	mr.Close()

	if _, _, err := store.Get(ctx, "card:a"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("Get err = %v, want ErrRedisUnavailable", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("Ping err = %v, want ErrRedisUnavailable", err)
	}

	// Lookup degrades to a miss.
	m := NewManager(store, Config{Enabled: true}, discardLogger())
	if m.Has(ctx, CardID("a")) {
		t.Error("lookup succeeded against a closed redis")
	}
}

func TestSealer(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)
	blob, err := s.Seal("card:a", []byte("123"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	pt, err := s.Open("card:a", blob)
	if err != nil || string(pt) != "123" {
		t.Fatalf("Open = %q, %v", pt, err)
	}

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := s.Open("card:a", tampered); !errors.Is(err, ErrUnsealable) {
		t.Errorf("tampered blob: err = %v", err)
	}

	other, _ := NewSealer([]byte("other-secret"))
	if _, err := other.Open("card:a", blob); !errors.Is(err, ErrUnsealable) {
		t.Errorf("wrong secret: err = %v", err)
	}

	if _, err := NewSealer(nil); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("empty secret: err = %v", err)
	}
}
