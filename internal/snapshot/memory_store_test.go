package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/coralix/trustflow/internal/schema"
)

func testKey() Key {
	return Key{EntityType: schema.EntityCollection, EntityID: "cool-cats", Provider: "opensea"}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()

	_, ok, err := store.Get(context.Background(), testKey())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing key")
	}
}

func TestMemoryStorePutAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	saved, err := store.Put(ctx, Record{Key: testKey(), Values: map[string]float64{"floorPrice": 1.5}})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if saved.Version != 1 {
		t.Errorf("version = %d, want 1", saved.Version)
	}

	saved, err = store.Put(ctx, Record{Key: testKey(), Values: map[string]float64{"floorPrice": 1.8}})
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != 2 {
		t.Errorf("version = %d, want 2", saved.Version)
	}

	got, ok, err := store.Get(ctx, testKey())
	if err != nil || !ok {
		t.Fatalf("Get() = %v %v", ok, err)
	}
	if got.Values["floorPrice"] != 1.8 {
		t.Errorf("floorPrice = %v, want 1.8", got.Values["floorPrice"])
	}
}

func TestMemoryStoreTTLExpiresOnRead(t *testing.T) {
	store := NewMemoryStore()
	store.SetCacheTTL(time.Hour)
	ctx := context.Background()

	stale := Record{Key: testKey(), Values: map[string]float64{"floorPrice": 1.5},
		UpdatedAt: time.Now().Add(-2 * time.Hour)}
	if _, err := store.Put(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := store.Get(ctx, testKey()); ok {
		t.Error("record older than the TTL should read as missing")
	}

	store.SetCacheTTL(3 * time.Hour)
	if _, ok, _ := store.Get(ctx, testKey()); !ok {
		t.Error("stretching the TTL should bring the record back")
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := Record{Key: testKey(), Values: map[string]float64{"volume": 100}}
	rec.AppendHistory("volume", 100, 5)
	if _, err := store.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, _, err := store.Get(ctx, testKey())
	if err != nil {
		t.Fatal(err)
	}
	got.Values["volume"] = 999
	got.History["volume"][0] = 999

	again, _, err := store.Get(ctx, testKey())
	if err != nil {
		t.Fatal(err)
	}
	if again.Values["volume"] != 100 || again.History["volume"][0] != 100 {
		t.Error("mutating a returned record should not affect the store")
	}
}

func TestAppendHistoryWindow(t *testing.T) {
	rec := Record{Key: testKey()}
	for i := 0; i < 10; i++ {
		rec.AppendHistory("volume", float64(i), 4)
	}
	hist := rec.History["volume"]
	if len(hist) != 4 {
		t.Fatalf("history len = %d, want 4", len(hist))
	}
	if hist[0] != 6 || hist[3] != 9 {
		t.Errorf("history = %v, want trailing window [6 7 8 9]", hist)
	}
}

func TestKeyValidate(t *testing.T) {
	bad := []Key{
		{EntityType: "wallet", EntityID: "x", Provider: "p"},
		{EntityType: schema.EntityNFT, EntityID: "", Provider: "p"},
		{EntityType: schema.EntityNFT, EntityID: "x", Provider: " "},
	}
	for _, k := range bad {
		if err := k.Validate(); err == nil {
			t.Errorf("key %+v should fail validation", k)
		}
	}
}
