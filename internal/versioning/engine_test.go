package versioning

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/officepro/historydb/internal/content"
	"github.com/officepro/historydb/internal/delta"
	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/storage"
)

type failingGateway struct {
	*storage.MemoryStore
	fail  bool
	mutex sync.Mutex
}

func (g *failingGateway) setFail(fail bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.fail = fail
}

func (g *failingGateway) AppendVersion(ctx context.Context, v *history.Version, a []*history.Annotation) error {
	g.mutex.Lock()
	fail := g.fail
	g.mutex.Unlock()
	if fail {
		return &storage.StoreError{Op: "append_version", Err: errors.New("disk full")}
	}
	return g.MemoryStore.AppendVersion(ctx, v, a)
}

type mapCache struct {
	entries map[string]string
	gets    int
	mutex   sync.Mutex
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]string)}
}

func (c *mapCache) key(doc string, seq uint64) string {
	return fmt.Sprintf("%s:%d", doc, seq)
}

func (c *mapCache) Get(ctx context.Context, doc string, seq uint64) (string, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.gets++
	text, ok := c.entries[c.key(doc, seq)]
	return text, ok, nil
}

func (c *mapCache) Put(ctx context.Context, doc string, seq uint64, text string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[c.key(doc, seq)] = text
	return nil
}

func newTestEngine(t *testing.T, gw storage.Gateway, opts Options) *Engine {
	t.Helper()
	e, err := NewEngine("doc", gw, opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestIsBaseline(t *testing.T) {
	var baselines []uint64
	for seq := uint64(1); seq <= 18; seq++ {
		if IsBaseline(seq, 5) {
			baselines = append(baselines, seq)
		}
	}
	if fmt.Sprint(baselines) != "[1 6 11 16]" {
		t.Errorf("Expected baselines [1 6 11 16], got %v", baselines)
	}
	if !IsBaseline(7, 1) {
		t.Error("Interval 1 should make every version a baseline")
	}
}

func TestSnapshot_BaselineInterval(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemoryStore(), Options{BaselineInterval: 5})

	for i := 1; i <= 16; i++ {
		if _, err := e.Snapshot(ctx, strings.Repeat("line\n", i), "alice", ""); err != nil {
			t.Fatalf("Snapshot %d failed: %v", i, err)
		}
	}

	for _, info := range e.History() {
		want := info.Sequence == 1 || info.Sequence == 6 || info.Sequence == 11 || info.Sequence == 16
		if info.IsBaseline != want {
			t.Errorf("Version %d: baseline=%v, expected %v", info.Sequence, info.IsBaseline, want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	strategies := []string{delta.StrategyLine, delta.StrategyChar, delta.StrategyDMP}
	for _, strategy := range strategies {
		for _, compress := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/compress=%v", strategy, compress), func(t *testing.T) {
				ctx := context.Background()
				differ, err := delta.ForStrategy(strategy)
				if err != nil {
					t.Fatal(err)
				}
				codec, err := delta.NewCodec(compress)
				if err != nil {
					t.Fatal(err)
				}
				defer codec.Close()

				e := newTestEngine(t, storage.NewMemoryStore(), Options{
					BaselineInterval: 4,
					Differ:           differ,
					Codec:            codec,
				})

				rng := rand.New(rand.NewSource(42))
				doc := content.NewDocument("doc", "The quick brown fox\njumps over\nthe lazy dog\n")
				recorded := make(map[uint64]string)

				for i := 0; i < 30; i++ {
					n := doc.Len()
					pos := rng.Intn(n + 1)
					removed := 0
					if pos < n {
						removed = rng.Intn(min(n-pos, 6) + 1)
					}
					inserted := []string{"", "x", "new line\n", "héllo ", "ünïcode"}[rng.Intn(5)]
					if _, err := doc.ApplyEdit(pos, removed, inserted); err != nil {
						t.Fatalf("ApplyEdit failed: %v", err)
					}

					text := doc.Text()
					seq, err := e.Snapshot(ctx, text, "alice", "")
					if err != nil {
						t.Fatalf("Snapshot failed: %v", err)
					}
					recorded[seq] = text
				}

				for seq, want := range recorded {
					got, err := e.Materialize(ctx, seq)
					if err != nil {
						t.Fatalf("Materialize %d failed: %v", seq, err)
					}
					if got != want {
						t.Errorf("Version %d: got %q, expected %q", seq, got, want)
					}
				}
			})
		}
	}
}

func TestMonotonicHistory(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemoryStore(), Options{BaselineInterval: 3})

	var last uint64
	for i := 0; i < 10; i++ {
		seq, err := e.Snapshot(ctx, fmt.Sprintf("revision %d", i), "alice", "")
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if seq != last+1 {
			t.Errorf("Expected sequence %d, got %d", last+1, seq)
		}
		last = seq
	}

	if _, err := e.Restore(ctx, content.NewDocument("doc", ""), 2, "bob"); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	infos := e.History()
	if len(infos) != 11 {
		t.Fatalf("Restore must append, expected 11 versions, got %d", len(infos))
	}
	for i, info := range infos {
		if info.Sequence != uint64(i+1) {
			t.Errorf("History slot %d holds sequence %d", i, info.Sequence)
		}
	}
}

func TestHelloWorldScenario(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemoryStore(), Options{})
	doc := content.NewDocument("doc", "Hello world")
	doc.Observe(e)

	if seq, err := e.Snapshot(ctx, doc.Text(), "alice", ""); err != nil || seq != 1 {
		t.Fatalf("Expected version 1, got %d (%v)", seq, err)
	}

	if _, err := doc.ApplyEdit(0, 0, "Say: "); err != nil {
		t.Fatalf("ApplyEdit failed: %v", err)
	}
	if !e.Dirty() || e.PendingEdits() != 1 {
		t.Error("Edit should mark the engine dirty")
	}
	if seq, err := e.Snapshot(ctx, doc.Text(), "alice", ""); err != nil || seq != 2 {
		t.Fatalf("Expected version 2, got %d (%v)", seq, err)
	}
	if e.Dirty() {
		t.Error("Snapshot should clear the dirty flag")
	}

	v1, err := e.Materialize(ctx, 1)
	if err != nil || v1 != "Hello world" {
		t.Fatalf("Materialize(1) = %q, %v", v1, err)
	}
	v2, err := e.Materialize(ctx, 2)
	if err != nil || v2 != "Say: Hello world" {
		t.Fatalf("Materialize(2) = %q, %v", v2, err)
	}

	seq, err := e.Restore(ctx, doc, 1, "alice")
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if seq != 3 {
		t.Errorf("Restore should record version 3, got %d", seq)
	}
	if doc.Text() != "Hello world" {
		t.Errorf("Content after restore = %q", doc.Text())
	}
	latest, _ := e.Latest()
	if latest.Description != "Restored version 1" {
		t.Errorf("Unexpected restore description %q", latest.Description)
	}
	if e.Dirty() {
		t.Error("Restore should leave the engine clean")
	}
}

func TestMaterialize_NotFound(t *testing.T) {
	e := newTestEngine(t, storage.NewMemoryStore(), Options{})
	for _, seq := range []uint64{0, 1, 99} {
		if _, err := e.Materialize(context.Background(), seq); !errors.Is(err, ErrVersionNotFound) {
			t.Errorf("Materialize(%d): expected ErrVersionNotFound, got %v", seq, err)
		}
	}
}

func TestMaterialize_Corrupted(t *testing.T) {
	ctx := context.Background()
	gw := storage.NewMemoryStore()
	e := newTestEngine(t, gw, Options{BaselineInterval: 10})
	for _, text := range []string{"alpha\n", "alpha\nbeta\n", "alpha\nbeta\ngamma\n"} {
		if _, err := e.Snapshot(ctx, text, "alice", ""); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		tamper func(v *history.Version)
	}{
		{"length", func(v *history.Version) { v.ResultLength++ }},
		{"digest", func(v *history.Version) { v.ResultDigest = "0000" }},
		{"payload", func(v *history.Version) { v.Payload = []byte("{not json") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := gw.LoadHistory(ctx, "doc")
			if err != nil {
				t.Fatal(err)
			}
			tt.tamper(h.Versions[1])

			reloaded := newTestEngine(t, gw, Options{BaselineInterval: 10})
			err = reloaded.Load(ctx, h)
			if !errors.Is(err, ErrVersionCorrupted) {
				t.Fatalf("Expected ErrVersionCorrupted, got %v", err)
			}
			var ce *CorruptedError
			if !errors.As(err, &ce) || ce.Sequence != 2 {
				t.Errorf("Expected corruption at version 2, got %v", err)
			}

			if text, err := reloaded.Materialize(ctx, 1); err != nil || text != "alpha\n" {
				t.Errorf("Versions before the damage should still materialize: %q, %v", text, err)
			}
		})
	}
}

func TestSnapshot_FailedWriteKeepsState(t *testing.T) {
	ctx := context.Background()
	gw := &failingGateway{MemoryStore: storage.NewMemoryStore()}
	e := newTestEngine(t, gw, Options{})
	doc := content.NewDocument("doc", "draft")
	doc.Observe(e)

	if _, err := doc.ApplyEdit(5, 0, " one"); err != nil {
		t.Fatal(err)
	}

	gw.setFail(true)
	if _, err := e.Snapshot(ctx, doc.Text(), "alice", ""); !errors.Is(err, storage.ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}
	if e.Len() != 0 {
		t.Errorf("Failed write must not add a version, got %d", e.Len())
	}
	if !e.Dirty() || doc.Text() != "draft one" {
		t.Error("Failed write must keep the in-memory state")
	}

	gw.setFail(false)
	seq, err := e.Snapshot(ctx, doc.Text(), "alice", "")
	if err != nil {
		t.Fatalf("Snapshot after recovery failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("Sequence must not skip after a failed write, got %d", seq)
	}
}

func TestConcurrentSnapshots(t *testing.T) {
	ctx := context.Background()
	gw := storage.NewMemoryStore()
	e := newTestEngine(t, gw, Options{BaselineInterval: 4})

	var wg sync.WaitGroup
	seqs := make(chan uint64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := e.Snapshot(ctx, fmt.Sprintf("writer %d", i), "alice", "")
			if err != nil {
				t.Errorf("Snapshot failed: %v", err)
				return
			}
			seqs <- seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	var got []uint64
	for seq := range seqs {
		got = append(got, seq)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("Expected contiguous sequences, got %v", got)
		}
	}

	h, err := gw.LoadHistory(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	reloaded := newTestEngine(t, gw, Options{BaselineInterval: 4})
	if err := reloaded.Load(ctx, h); err != nil {
		t.Fatalf("Stored history should replay cleanly: %v", err)
	}
}

func TestLoad_ContinuesSequence(t *testing.T) {
	ctx := context.Background()
	gw := storage.NewMemoryStore()
	e := newTestEngine(t, gw, Options{BaselineInterval: 3})
	for i := 0; i < 4; i++ {
		if _, err := e.Snapshot(ctx, fmt.Sprintf("text %d\n", i), "alice", ""); err != nil {
			t.Fatal(err)
		}
	}

	h, err := gw.LoadHistory(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	reloaded := newTestEngine(t, gw, Options{BaselineInterval: 3})
	if err := reloaded.Load(ctx, h); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	seq, err := reloaded.Snapshot(ctx, "text 4\n", "bob", "")
	if err != nil || seq != 5 {
		t.Fatalf("Expected version 5, got %d (%v)", seq, err)
	}
	if text, err := reloaded.Materialize(ctx, 5); err != nil || text != "text 4\n" {
		t.Errorf("Materialize(5) = %q, %v", text, err)
	}
}

func TestOffline(t *testing.T) {
	e := newTestEngine(t, storage.NewMemoryStore(), Options{})
	e.MarkOffline()

	if !e.Offline() {
		t.Fatal("Expected engine to be offline")
	}
	_, err := e.Snapshot(context.Background(), "text", "alice", "")
	if !errors.Is(err, ErrOffline) || !errors.Is(err, storage.ErrStoreUnavailable) {
		t.Errorf("Expected offline store error, got %v", err)
	}
}

func TestCompare(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemoryStore(), Options{})
	e.Snapshot(ctx, "Hello world", "alice", "")
	e.Snapshot(ctx, "Say: Hello world", "alice", "")

	cmp, err := e.Compare(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if cmp.Stats.Inserted != 5 || cmp.Stats.Deleted != 0 || cmp.Stats.Unchanged != 11 {
		t.Errorf("Unexpected stats %+v", cmp.Stats)
	}

	if _, err := e.Compare(ctx, 1, 7); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("Expected ErrVersionNotFound, got %v", err)
	}
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	e := newTestEngine(t, storage.NewMemoryStore(), Options{Cache: cache})

	e.Snapshot(ctx, "one", "alice", "")
	e.Snapshot(ctx, "one two", "alice", "")
	if len(cache.entries) != 2 {
		t.Fatalf("Snapshots should populate the cache, got %d entries", len(cache.entries))
	}

	cache.entries[cache.key("doc", 2)] = "stale"
	text, err := e.Materialize(ctx, 2)
	if err != nil || text != "one two" {
		t.Errorf("Stale cache entries must be ignored: %q, %v", text, err)
	}
	if cache.entries[cache.key("doc", 2)] != "one two" {
		t.Error("Replay should refresh the cache entry")
	}
}

func TestAuthorActivity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemoryStore(), Options{BaselineInterval: 2})
	since := time.Now().Add(-time.Minute)

	e.Snapshot(ctx, "Hello", "alice", "")
	e.Snapshot(ctx, "Hello world", "alice", "")
	e.Snapshot(ctx, "Hello", "bob", "")
	e.Restore(ctx, content.NewDocument("doc", ""), 2, "alice")

	activity, err := e.AuthorActivity(ctx, "alice", since)
	if err != nil {
		t.Fatalf("AuthorActivity failed: %v", err)
	}
	if activity.Summary.TotalVersions != 3 || activity.Summary.Restores != 1 {
		t.Errorf("Unexpected summary %+v", activity.Summary)
	}
	// 5 for the first baseline, 6 for " world" twice
	if activity.Summary.Inserted != 17 || activity.Summary.Deleted != 0 {
		t.Errorf("Unexpected character counts %+v", activity.Summary)
	}
	if len(activity.Patterns) != 1 || activity.Patterns[0].Type != PatternBursty {
		t.Errorf("Expected bursty pattern, got %+v", activity.Patterns)
	}

	bob, err := e.AuthorActivity(ctx, "bob", since)
	if err != nil {
		t.Fatal(err)
	}
	if bob.Summary.TotalVersions != 1 || bob.Summary.Deleted != 6 {
		t.Errorf("Unexpected summary for bob %+v", bob.Summary)
	}
}
