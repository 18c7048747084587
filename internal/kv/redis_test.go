package kv

import (
	"context"
	"testing"
	"time"

	"vodforge/internal/testsupport/redisstub"
)

func newStubStore(t *testing.T) *RedisStore {
	t.Helper()
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	store, err := NewRedisStore(RedisConfig{Addr: stub.Addr(), DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newStubStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if err := store.Set(ctx, "upload:video:abc", []byte(`{"id":"abc"}`), time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, found, err := store.Get(ctx, "upload:video:abc")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(value) != `{"id":"abc"}` {
		t.Fatalf("value = %s", value)
	}

	if _, found, err := store.Get(ctx, "upload:video:missing"); err != nil || found {
		t.Fatalf("missing key: found=%v err=%v", found, err)
	}
}

func TestRedisStoreKeysAndDelete(t *testing.T) {
	store := newStubStore(t)
	ctx := context.Background()

	for _, key := range []string{"upload:video:a", "upload:video:b", "other:c"} {
		if err := store.Set(ctx, key, []byte("x"), 0); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	keys, err := store.Keys(ctx, "upload:video:*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want 2 session keys", keys)
	}

	if err := store.Delete(ctx, "upload:video:a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.Get(ctx, "upload:video:a"); found {
		t.Fatal("deleted key still present")
	}
}

func TestRedisStoreRequiresAddr(t *testing.T) {
	if _, err := NewRedisStore(RedisConfig{}); err == nil {
		t.Fatal("empty config accepted")
	}
}
