package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis starts an in-memory Redis for the test.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return client, mr
}

func TestNewManager(t *testing.T) {
	client, _ := setupTestRedis(t)

	manager := NewManager(client)
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil)
}

func TestManager_SetAndGet(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Operation: "GetEpisodes", Variables: map[string]string{"page": "1"}}
	entry := &Entry{
		Data:       []byte(`{"data":{"episodes":{}}}`),
		StatusCode: 200,
		Expires:    time.Now().Add(time.Minute),
		CachedAt:   time.Now(),
	}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if !mr.Exists(key.String()) {
		t.Fatalf("expected key %q in redis", key.String())
	}
	if ttl := mr.TTL(key.String()); ttl <= 0 || ttl > time.Minute {
		t.Errorf("redis TTL = %v, want (0, 1m]", ttl)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Data) != string(entry.Data) {
		t.Errorf("Get() data = %q, want %q", got.Data, entry.Data)
	}
}

func TestManager_GetMiss(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client)

	_, err := manager.Get(context.Background(), Key{Operation: "GetEpisodes"})
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_GetInvalidEntry(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)

	key := Key{Operation: "GetEpisodes"}
	if err := mr.Set(key.String(), "not json"); err != nil {
		t.Fatal(err)
	}

	_, err := manager.Get(context.Background(), key)
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}
}

func TestManager_SetExpiredEntryIsDropped(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)

	key := Key{Operation: "GetEpisodes", Variables: map[string]string{"page": "9"}}
	err := manager.Set(context.Background(), key, &Entry{
		Data:    []byte("{}"),
		Expires: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if mr.Exists(key.String()) {
		t.Error("expired entry should not be stored")
	}
}

func TestManager_SetNil(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client)

	if err := manager.Set(context.Background(), Key{}, nil); err == nil {
		t.Error("Set(nil) should fail")
	}
}

func TestManager_Delete(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Operation: "GetEpisodes", Variables: map[string]string{"page": "2"}}
	if err := manager.Set(ctx, key, &Entry{Data: []byte("{}"), Expires: time.Now().Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if mr.Exists(key.String()) {
		t.Error("key should be gone after Delete")
	}
}

func TestManager_Purge(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	for _, page := range []string{"1", "2", "3"} {
		key := Key{Operation: "GetEpisodes", Variables: map[string]string{"page": page}}
		if err := manager.Set(ctx, key, &Entry{Data: []byte("{}"), Expires: time.Now().Add(time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}
	other := Key{Operation: "GetCharacters", Variables: map[string]string{"page": "1"}}
	if err := manager.Set(ctx, other, &Entry{Data: []byte("{}"), Expires: time.Now().Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := client.Set(ctx, "unrelated", "x", 0).Err(); err != nil {
		t.Fatal(err)
	}

	removed, err := manager.Purge(ctx, "GetEpisodes")
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("Purge() removed = %d, want 3", removed)
	}
	if !mr.Exists(other.String()) {
		t.Error("other operation should survive a scoped purge")
	}

	removed, err = manager.Purge(ctx, "")
	if err != nil {
		t.Fatalf("Purge(\"\") error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Purge(\"\") removed = %d, want 1", removed)
	}
	if !mr.Exists("unrelated") {
		t.Error("keys outside the cache prefix must not be purged")
	}
}
