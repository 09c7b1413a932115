//go:build integration

package omegachat

import (
	"context"
	"os"
	"testing"
	"time"
)

// Run with: OMEGACHAT_TEST_REDIS=redis://localhost:6379/15 go test -tags integration -run Redis
func TestRedisStore(t *testing.T) {
	url := os.Getenv("OMEGACHAT_TEST_REDIS")
	if url == "" {
		t.Skip("OMEGACHAT_TEST_REDIS not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, url, "test-"+t.Name(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	t.Cleanup(func() { _ = store.Clear(ctx) })

	if tok, err := store.Load(ctx); err != nil || tok != "" {
		t.Fatalf("Load on empty key = %q, %v", tok, err)
	}
	if err := store.Save(ctx, "tok-redis"); err != nil {
		t.Fatal(err)
	}

	s := NewSession(store)
	if found, err := s.Restore(ctx); err != nil || !found {
		t.Fatalf("Restore = %v, %v", found, err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if tok, _ := store.Load(ctx); tok != "" {
		t.Errorf("token after clear = %q", tok)
	}
}

func TestRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), "not a url", "p", 0); err == nil {
		t.Error("expected parse error")
	}
}
