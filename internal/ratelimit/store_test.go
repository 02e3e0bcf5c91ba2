package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/cathedral-tour/internal/circuitbreaker"
	"github.com/aman-churiwal/cathedral-tour/internal/models"
	"github.com/aman-churiwal/cathedral-tour/internal/storage"
	"github.com/redis/go-redis/v9"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func appendTimestamp(ts int64) UpdateFunc {
	return func(rec Record, exists bool) (Record, bool, error) {
		rec.Requests = append(rec.Requests, ts)
		return rec, true, nil
	}
}

func TestMemoryStore_UpdateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, ok, err := store.Get(ctx, "a"); ok || err != nil {
		t.Fatalf("Get() on empty store = %v, %v", ok, err)
	}

	var sawExists []bool
	for i := int64(1); i <= 2; i++ {
		err := store.Update(ctx, "a", func(rec Record, exists bool) (Record, bool, error) {
			sawExists = append(sawExists, exists)
			rec.Requests = append(rec.Requests, i)
			return rec, true, nil
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	if sawExists[0] || !sawExists[1] {
		t.Errorf("exists flags = %v, want [false true]", sawExists)
	}

	rec, ok, err := store.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if len(rec.Requests) != 2 {
		t.Errorf("Requests = %v, want 2 entries", rec.Requests)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_NoWriteLeavesRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Update(ctx, "a", appendTimestamp(1))

	err := store.Update(ctx, "a", func(rec Record, exists bool) (Record, bool, error) {
		rec.Requests = append(rec.Requests, 99)
		return rec, false, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	rec, _, _ := store.Get(ctx, "a")
	if len(rec.Requests) != 1 {
		t.Errorf("Requests = %v, want unchanged", rec.Requests)
	}
}

func TestMemoryStore_UpdateFuncError(t *testing.T) {
	store := NewMemoryStore()
	boom := errors.New("boom")

	err := store.Update(context.Background(), "a", func(Record, bool) (Record, bool, error) {
		return Record{}, true, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Update() error = %v, want %v", err, boom)
	}
	if _, ok, _ := store.Get(context.Background(), "a"); ok {
		t.Error("record written despite error")
	}
}

func TestMemoryStore_ReturnedRecordIsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Update(ctx, "a", appendTimestamp(1))

	rec, _, _ := store.Get(ctx, "a")
	rec.Requests[0] = 42

	again, _, _ := store.Get(ctx, "a")
	if again.Requests[0] != 1 {
		t.Errorf("stored record mutated through Get result: %v", again.Requests)
	}
}

func TestMemoryStore_SweepDropsStaleRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	write := func(id string, retain time.Duration) {
		t.Helper()
		err := store.Update(ctx, id, func(rec Record, exists bool) (Record, bool, error) {
			return Record{Identifier: id, Requests: []int64{1}, RetainMs: retain.Milliseconds()}, true, nil
		})
		if err != nil {
			t.Fatalf("Update(%s) error = %v", id, err)
		}
	}
	write("short", time.Minute)
	write("blocked", 2*time.Hour)
	_ = store.Update(ctx, "nohint", appendTimestamp(1))
	_ = store.Update(ctx, "never-written", func(Record, bool) (Record, bool, error) {
		return Record{}, false, nil
	})

	if store.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", store.Len())
	}

	now = now.Add(time.Minute)
	if removed := store.Sweep(); removed != 2 {
		t.Errorf("Sweep() removed %d, want 2", removed)
	}
	if _, ok, _ := store.Get(ctx, "short"); ok {
		t.Error("expired record still present")
	}
	for _, id := range []string{"blocked", "nohint"} {
		if _, ok, _ := store.Get(ctx, id); !ok {
			t.Errorf("record %s swept too early", id)
		}
	}

	now = now.Add(2 * time.Hour)
	store.Sweep()
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want only the record without a retention hint", store.Len())
	}
}

func TestMemoryStore_SpoofedIdentifiersAreReclaimed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newFakeClock()
	store.now = clock.Now
	l := newTestLimiter(t, store, Config{MaxRequests: 5, Window: time.Minute, BlockDuration: time.Minute}, clock)

	for i := 0; i < 1000; i++ {
		l.IsRateLimited(ctx, fmt.Sprintf("198.51.100.%d-%d", i%256, i))
	}
	if store.Len() != 1000 {
		t.Fatalf("Len() = %d, want 1000", store.Len())
	}

	clock.Advance(time.Minute)
	store.Sweep()
	if store.Len() != 0 {
		t.Errorf("Len() after window = %d, want 0", store.Len())
	}
}

func TestMemoryStore_SweepDuringUpdatesLosesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newFakeClock()
	l := newTestLimiter(t, store, Config{MaxRequests: 10, Window: time.Hour, BlockDuration: time.Hour}, clock)

	stop := make(chan struct{})
	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		for {
			select {
			case <-stop:
				return
			default:
				store.Sweep()
			}
		}
	}()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !l.IsRateLimited(ctx, "shared") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	close(stop)
	sweeper.Wait()

	if got := admitted.Load(); got != 10 {
		t.Errorf("admitted = %d, want 10", got)
	}
}

func TestMemoryStore_RunCleanupStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunCleanup(ctx, time.Millisecond, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunCleanup did not return after cancel")
	}
}

func TestMemoryStore_ConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			_ = store.Update(ctx, "a", appendTimestamp(ts))
		}(int64(i))
	}
	wg.Wait()

	rec, _, _ := store.Get(ctx, "a")
	if len(rec.Requests) != 50 {
		t.Errorf("len(Requests) = %d, want 50 (lost updates)", len(rec.Requests))
	}
}

func TestRedisStore_UpdateAndGet(t *testing.T) {
	ctx := context.Background()
	mr, client := setupMiniredis(t)
	store := NewRedisStore(client, RedisStoreOptions{Retention: time.Hour})

	if _, ok, err := store.Get(ctx, "10.0.0.1"); ok || err != nil {
		t.Fatalf("Get() on missing key = %v, %v", ok, err)
	}

	if err := store.Update(ctx, "10.0.0.1", appendTimestamp(1000)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := store.Update(ctx, "10.0.0.1", appendTimestamp(2000)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	rec, ok, err := store.Get(ctx, "10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if len(rec.Requests) != 2 || rec.Requests[0] != 1000 || rec.Requests[1] != 2000 {
		t.Errorf("Requests = %v, want [1000 2000]", rec.Requests)
	}

	key := DefaultRedisKeyPrefix + "10.0.0.1"
	if !mr.Exists(key) {
		t.Fatalf("key %q not found in redis", key)
	}
	if ttl := mr.TTL(key); ttl != time.Hour+redisTTLGrace {
		t.Errorf("TTL = %v, want %v", ttl, time.Hour+redisTTLGrace)
	}
}

func TestRedisStore_TTLCoversBlock(t *testing.T) {
	ctx := context.Background()
	mr, client := setupMiniredis(t)
	store := NewRedisStore(client, RedisStoreOptions{KeyPrefix: "rl:", Retention: time.Hour})

	until := time.Now().Add(3 * time.Hour).UnixMilli()
	err := store.Update(ctx, "blocked", func(rec Record, exists bool) (Record, bool, error) {
		return Record{Identifier: "blocked", Blocked: true, BlockedUntil: until}, true, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if ttl := mr.TTL("rl:blocked"); ttl < 3*time.Hour {
		t.Errorf("TTL = %v, want at least the remaining block", ttl)
	}
}

func TestRedisStore_TTLFollowsRecordRetention(t *testing.T) {
	ctx := context.Background()
	mr, client := setupMiniredis(t)
	store := NewRedisStore(client, RedisStoreOptions{Retention: time.Minute})

	err := store.Update(ctx, "a", func(rec Record, exists bool) (Record, bool, error) {
		return Record{Identifier: "a", Requests: []int64{1}, RetainMs: (2 * time.Hour).Milliseconds()}, true, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if ttl := mr.TTL(DefaultRedisKeyPrefix + "a"); ttl != 2*time.Hour+redisTTLGrace {
		t.Errorf("TTL = %v, want %v", ttl, 2*time.Hour+redisTTLGrace)
	}
}

// A limiter derived with a longer window than the store retention must not
// lose its request log to key expiry.
func TestRedisStore_LongerWindowOverrideKeepsHistory(t *testing.T) {
	ctx := context.Background()
	mr, client := setupMiniredis(t)
	clock := newFakeClock()

	store, err := NewStore(StoreRedis, StoreDeps{Redis: storage.NewRedisFromClient(client), Retention: time.Minute})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	base := newTestLimiter(t, store, Config{MaxRequests: 100, Window: time.Minute, BlockDuration: time.Minute}, clock)

	strict, err := base.WithConfig(Config{MaxRequests: 2, Window: time.Hour})
	if err != nil {
		t.Fatalf("WithConfig() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if strict.IsRateLimited(ctx, "203.0.113.7") {
			t.Fatalf("request %d limited, want admitted", i+1)
		}
	}

	clock.Advance(3 * time.Minute)
	mr.FastForward(3 * time.Minute)

	admitted := 0
	for i := 0; i < 5; i++ {
		if !strict.IsRateLimited(ctx, "203.0.113.7") {
			admitted++
		}
	}
	if admitted != 0 {
		t.Errorf("admitted %d more requests inside the 1h window, want 0", admitted)
	}
}

func TestRedisStore_NoWriteSkipsSet(t *testing.T) {
	ctx := context.Background()
	mr, client := setupMiniredis(t)
	store := NewRedisStore(client, RedisStoreOptions{Retention: time.Minute})

	err := store.Update(ctx, "a", func(rec Record, exists bool) (Record, bool, error) {
		return Record{Requests: []int64{1}}, false, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if mr.Exists(DefaultRedisKeyPrefix + "a") {
		t.Error("key written although write=false")
	}
}

func TestRedisStore_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	other := redis.NewClient(&redis.Options{Addr: client.Options().Addr})
	t.Cleanup(func() { _ = other.Close() })

	store := NewRedisStore(client, RedisStoreOptions{Retention: time.Minute})
	key := DefaultRedisKeyPrefix + "race"

	calls := 0
	err := store.Update(ctx, "race", func(rec Record, exists bool) (Record, bool, error) {
		calls++
		if calls == 1 {
			// another instance writes between our read and our commit
			payload, _ := json.Marshal(Record{Identifier: "race", Requests: []int64{1}})
			if err := other.Set(ctx, key, payload, 0).Err(); err != nil {
				t.Fatalf("concurrent Set() error = %v", err)
			}
		}
		rec.Requests = append(rec.Requests, 2)
		return rec, true, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("update func called %d times, want 2", calls)
	}

	rec, _, _ := store.Get(ctx, "race")
	if len(rec.Requests) != 2 || rec.Requests[0] != 1 {
		t.Errorf("Requests = %v, want [1 2]", rec.Requests)
	}
}

func TestRedisStore_ConflictRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	other := redis.NewClient(&redis.Options{Addr: client.Options().Addr})
	t.Cleanup(func() { _ = other.Close() })

	store := NewRedisStore(client, RedisStoreOptions{MaxRetries: 3})
	key := DefaultRedisKeyPrefix + "hot"

	n := 0
	err := store.Update(ctx, "hot", func(rec Record, exists bool) (Record, bool, error) {
		n++
		_ = other.Set(ctx, key, `{"identifier":"hot","requests":[]}`, 0).Err()
		return rec, true, nil
	})
	if !errors.Is(err, ErrTxConflict) {
		t.Errorf("Update() error = %v, want ErrTxConflict", err)
	}
	if n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestRedisStore_ConcurrentUpdatesLoseNothing(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	store := NewRedisStore(client, RedisStoreOptions{MaxRetries: 1000, Retention: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			if err := store.Update(ctx, "shared", appendTimestamp(ts)); err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	rec, _, _ := store.Get(ctx, "shared")
	if len(rec.Requests) != 10 {
		t.Errorf("len(Requests) = %d, want 10", len(rec.Requests))
	}
}

func TestRedisStore_CorruptRecord(t *testing.T) {
	mr, client := setupMiniredis(t)
	store := NewRedisStore(client, RedisStoreOptions{})
	_ = mr.Set(DefaultRedisKeyPrefix+"bad", "not json")

	if _, _, err := store.Get(context.Background(), "bad"); err == nil {
		t.Error("Get() expected decode error")
	}
}

func TestRedisStore_BackendDownFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, RedisStoreOptions{})
	l := newTestLimiter(t, store, Config{MaxRequests: 1, Window: time.Minute}, newFakeClock())

	mr.Close()

	for i := 0; i < 3; i++ {
		if l.IsRateLimited(context.Background(), "client") {
			t.Fatal("limited while redis is down, want fail-open")
		}
	}
}

func TestRecordRowMapping(t *testing.T) {
	rec := Record{Identifier: "a", Requests: []int64{1, 2, 3}, Blocked: true, BlockedUntil: 99}

	row, err := rowFromRecord("a", rec)
	if err != nil {
		t.Fatalf("rowFromRecord() error = %v", err)
	}
	if row.Requests != "[1,2,3]" {
		t.Errorf("row.Requests = %q, want [1,2,3]", row.Requests)
	}

	back, err := recordFromRow(row)
	if err != nil {
		t.Fatalf("recordFromRow() error = %v", err)
	}
	if back.Identifier != "a" || len(back.Requests) != 3 || !back.Blocked || back.BlockedUntil != 99 {
		t.Errorf("recordFromRow() = %+v", back)
	}

	empty, _ := rowFromRecord("b", Record{})
	if empty.Requests != "[]" {
		t.Errorf("nil requests encoded as %q, want []", empty.Requests)
	}

	if _, err := recordFromRow(models.RateLimitRecord{Identifier: "c", Requests: "{"}); err == nil {
		t.Error("recordFromRow() expected error for malformed requests")
	}
}

func TestGuardedStore_OpensAfterFailures(t *testing.T) {
	inner := &failingStore{err: errors.New("timeout")}
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "ratelimit-store", MaxFailures: 2, Timeout: time.Hour})
	store := NewGuardedStore(inner, breaker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.Update(ctx, "a", appendTimestamp(1)); err == nil {
			t.Fatal("expected store error")
		}
	}
	if breaker.State() != circuitbreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", breaker.State())
	}

	err := store.Update(ctx, "a", appendTimestamp(1))
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Errorf("Update() error = %v, want ErrCircuitOpen", err)
	}
	if _, _, err := store.Get(ctx, "a"); !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Errorf("Get() error = %v, want ErrCircuitOpen", err)
	}
	if inner.calls.Load() != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls.Load())
	}

	l := newTestLimiter(t, store, Config{MaxRequests: 1, Window: time.Minute}, newFakeClock())
	if l.IsRateLimited(ctx, "a") {
		t.Error("limited with open circuit, want fail-open")
	}
}

func TestGuardedStore_ConflictsDoNotOpenBreaker(t *testing.T) {
	inner := &failingStore{err: fmt.Errorf("%w: hot after 10 attempts", ErrTxConflict)}
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "ratelimit-store", MaxFailures: 2, Timeout: time.Hour})
	store := NewGuardedStore(inner, breaker)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Update(ctx, "hot", appendTimestamp(1)); !errors.Is(err, ErrTxConflict) {
			t.Fatalf("Update() error = %v, want ErrTxConflict", err)
		}
	}
	if breaker.State() != circuitbreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", breaker.State())
	}
	if inner.calls.Load() != 5 {
		t.Errorf("inner calls = %d, want 5", inner.calls.Load())
	}
}

func TestGuardedStore_PassesThrough(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "ratelimit-store"})
	store := NewGuardedStore(NewMemoryStore(), breaker)
	ctx := context.Background()

	if err := store.Update(ctx, "a", appendTimestamp(5)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	rec, ok, err := store.Get(ctx, "a")
	if err != nil || !ok || len(rec.Requests) != 1 {
		t.Errorf("Get() = %+v, %v, %v", rec, ok, err)
	}
	if store.Breaker() != breaker {
		t.Error("Breaker() returned a different breaker")
	}
}

func TestNewStore(t *testing.T) {
	_, client := setupMiniredis(t)

	tests := []struct {
		name    string
		kind    string
		deps    StoreDeps
		wantErr bool
	}{
		{"memory", StoreMemory, StoreDeps{}, false},
		{"redis", StoreRedis, StoreDeps{Redis: storage.NewRedisFromClient(client)}, false},
		{"redis without client", StoreRedis, StoreDeps{}, true},
		{"postgres without db", StorePostgres, StoreDeps{}, true},
		{"unknown", "dynamo", StoreDeps{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.kind, tt.deps)
			if tt.wantErr {
				if err == nil {
					t.Error("NewStore() expected error")
				}
				return
			}
			if err != nil || store == nil {
				t.Errorf("NewStore() = %v, %v", store, err)
			}
		})
	}
}

// Every store must give the limiter the same observable behaviour
func TestStoreContract(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			_, client := setupMiniredis(t)
			return NewRedisStore(client, RedisStoreOptions{Retention: time.Minute})
		},
		"guarded": func(t *testing.T) Store {
			return NewGuardedStore(NewMemoryStore(), circuitbreaker.New(circuitbreaker.Config{}))
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := newStore(t)
			l := newTestLimiter(t, store, Config{MaxRequests: 2, Window: time.Minute, BlockDuration: time.Minute}, clock)

			got := []bool{
				l.IsRateLimited(ctx, "c"),
				l.IsRateLimited(ctx, "c"),
				l.IsRateLimited(ctx, "c"),
				l.IsRateLimited(ctx, "d"),
			}
			want := []bool{false, false, true, false}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("call %d = %v, want %v", i+1, got[i], want[i])
				}
			}

			rec, ok, err := store.Get(ctx, "c")
			if err != nil || !ok {
				t.Fatalf("Get() = %v, %v", ok, err)
			}
			if !rec.Blocked || len(rec.Requests) != 2 || rec.Identifier != "c" {
				t.Errorf("record = %+v", rec)
			}

			clock.Advance(time.Minute)
			if l.IsRateLimited(ctx, "c") {
				t.Error("limited after block and window elapsed")
			}
		})
	}
}
