package svc

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/goleak"

	"pokebin/cfg"
	"pokebin/pkg/dex"
	"pokebin/pkg/domain"
	"pokebin/pkg/grammar"
	"pokebin/pkg/idcipher"
	"pokebin/pkg/record"
	"pokebin/pkg/team"
	"pokebin/svc/cache"
	"pokebin/svc/db"
)

// go-redis starts a process-wide clock goroutine when svc/db is linked in.
var ignoreRedisTimeCache = goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.startGlobalTimeCache.func1")

type memStore struct {
	mu      sync.Mutex
	blobs   map[int64][]byte
	fetches atomic.Int32
	gate    chan struct{}
	failErr error
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[int64][]byte)}
}

func (m *memStore) Insert(_ context.Context, blob []byte) (int64, error) {
	if m.failErr != nil {
		return 0, m.failErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.blobs) + 1)
	m.blobs[id] = append([]byte(nil), blob...)
	return id, nil
}

func (m *memStore) Fetch(ctx context.Context, id int64) ([]byte, error) {
	m.fetches.Add(1)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.failErr != nil {
		return nil, m.failErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	return b, nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

type memBlobCache struct {
	mu    sync.Mutex
	blobs map[int64][]byte
	err   error
}

func (c *memBlobCache) CacheBlob(_ context.Context, id int64, blob []byte, _ time.Duration) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[id] = blob
	return nil
}

func (c *memBlobCache) GetBlob(_ context.Context, id int64) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blobs[id], nil
}

var dexFS = fstest.MapFS{
	"pokemon.json": {Data: []byte(`{
		"garchomp": {"name": "Garchomp", "type1": "Dragon",
			"images": {"regular": "home/garchomp.png", "shiny": "home/garchomp-s.png",
				"female": "home/garchomp-f.png"}},
		"chansey": {"name": "Chansey", "type1": "Normal",
			"images": {"regular": "home/chansey.png"}}
	}`)},
	"moves.json": {Data: []byte(`{
		"earthquake": {"name": "Earthquake", "type1": "Ground"},
		"soft-boiled": {"name": "Soft-Boiled", "type1": "Normal"}
	}`)},
	"items.json": {Data: []byte(`{
		"leftovers": {"name": "Leftovers", "spritenum": 0}
	}`)},
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		MaxPasteSize:   1024,
		RedisCacheTTL:  time.Hour,
		DBQueryTimeout: 5 * time.Second,
		Data: cfg.DataCfg{
			ImageDir:          "home",
			PublicImagePrefix: "imgs",
			UnknownImage:      "home/unknown.png",
		},
	}
}

func newTestPaste(t *testing.T, store db.Store, rdb BlobCache) *Paste {
	t.Helper()
	d, err := dex.Load(dexFS, dex.Files{Species: "pokemon.json", Moves: "moves.json", Items: "items.json"}, "home/unknown.png")
	if err != nil {
		t.Fatalf("dex.Load: %v", err)
	}
	lru, err := cache.NewLRU(16)
	if err != nil {
		t.Fatalf("NewLRU: %v", err)
	}
	cipher, err := idcipher.New([]byte("test-cipher-key!"))
	if err != nil {
		t.Fatalf("idcipher.New: %v", err)
	}
	b := team.NewBuilder(grammar.New(), d.Species(), d.Moves(), d.Items(), d)
	return NewPaste(store, lru, rdb, cipher, b, d, testCfg())
}

const chanseyPaste = "Chansey @ Leftovers\nAbility: Natural Cure\nEVs: 252 HP / 4 Def\n- Soft-Boiled\n- Seismic Toss"

func TestCreateAndGet(t *testing.T) {
	p := newTestPaste(t, newMemStore(), nil)
	ctx := context.Background()

	id, err := p.Create(ctx, domain.CreateParams{
		Title:  "  Stall  ",
		Author: "Red",
		Rental: " ABC123 ",
		Paste:  "\n" + chanseyPaste + "\n\n",
		Format: "gen9ou",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(id) != idcipher.EncodedLen {
		t.Errorf("public id %q has length %d", id, len(id))
	}

	got, etag, err := p.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Stall" || got.Author != "Red" || got.Format != "gen9ou" {
		t.Errorf("fields not trimmed: %+v", got)
	}
	if got.Rental != " ABC123 " {
		t.Errorf("rental = %q, want it untouched", got.Rental)
	}
	if got.Paste != chanseyPaste {
		t.Errorf("paste = %q", got.Paste)
	}
	if got.ID != 1 {
		t.Errorf("ID = %d, want 1", got.ID)
	}
	if !strings.HasPrefix(etag, `"`) || len(etag) != 34 {
		t.Errorf("etag = %q", etag)
	}
	_, etag2, err := p.Get(ctx, id)
	if err != nil || etag2 != etag {
		t.Errorf("second Get etag = %q, %v; want %q", etag2, err, etag)
	}
}

func TestCreateNormalizesNFC(t *testing.T) {
	p := newTestPaste(t, newMemStore(), nil)
	id, err := p.Create(context.Background(), domain.CreateParams{Title: "Pokémon", Paste: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, _, err := p.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Pokémon" {
		t.Errorf("title = %q, want composed form", got.Title)
	}
}

func TestCreateValidation(t *testing.T) {
	p := newTestPaste(t, newMemStore(), nil)
	ctx := context.Background()
	tests := []struct {
		name   string
		params domain.CreateParams
		want   error
	}{
		{"empty", domain.CreateParams{Paste: "  \n "}, domain.ErrContentRequired},
		{"too large", domain.CreateParams{Paste: strings.Repeat("a", 1025)}, domain.ErrPasteTooLarge},
		{"long rental", domain.CreateParams{Paste: "x", Rental: strings.Repeat("r", 256)}, domain.ErrRentalTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Create(ctx, tt.params)
			if !errors.Is(err, tt.want) {
				t.Errorf("Create err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGetUnknownID(t *testing.T) {
	p := newTestPaste(t, newMemStore(), nil)
	ctx := context.Background()
	for _, id := range []string{"", "short", "!!!!!!!!!!!", p.cipher.Encode(99)} {
		if _, _, err := p.Get(ctx, id); !errors.Is(err, domain.ErrPasteNotFound) {
			t.Errorf("Get(%q) err = %v, want not found", id, err)
		}
	}
}

func TestGetUsesLRU(t *testing.T) {
	store := newMemStore()
	p := newTestPaste(t, store, nil)
	ctx := context.Background()
	id, err := p.Create(ctx, domain.CreateParams{Paste: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for range 3 {
		if _, _, err := p.Get(ctx, id); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if n := store.fetches.Load(); n != 0 {
		t.Errorf("store fetched %d times, want 0", n)
	}
}

func TestGetFallsThroughToRedis(t *testing.T) {
	store := newMemStore()
	rdb := &memBlobCache{blobs: make(map[int64][]byte)}
	p := newTestPaste(t, store, rdb)
	ctx := context.Background()

	blob, err := record.Encode(&domain.Paste{Title: "cached", Paste: "x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	rdb.blobs[7] = blob

	got, _, err := p.Get(ctx, p.cipher.Encode(7))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "cached" {
		t.Errorf("title = %q", got.Title)
	}
	if store.fetches.Load() != 0 {
		t.Error("store should not be consulted on a redis hit")
	}
	if _, ok := p.lru.Get(ctx, 7); !ok {
		t.Error("redis hit should populate the LRU")
	}
}

func TestGetStoreFillsCaches(t *testing.T) {
	store := newMemStore()
	rdb := &memBlobCache{blobs: make(map[int64][]byte)}
	p := newTestPaste(t, store, rdb)
	ctx := context.Background()

	blob, _ := record.Encode(&domain.Paste{Paste: "x"})
	id, _ := store.Insert(ctx, blob)

	if _, _, err := p.Get(ctx, p.cipher.Encode(id)); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rdb.blobs[id] == nil {
		t.Error("store hit should populate redis")
	}
	if _, ok := p.lru.Get(ctx, id); !ok {
		t.Error("store hit should populate the LRU")
	}
}

func TestRedisErrorsAreNotFatal(t *testing.T) {
	rdb := &memBlobCache{blobs: make(map[int64][]byte), err: errors.New("connection refused")}
	p := newTestPaste(t, newMemStore(), rdb)
	ctx := context.Background()
	id, err := p.Create(ctx, domain.CreateParams{Paste: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.lru = mustLRU(t)
	if _, _, err := p.Get(ctx, id); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestConcurrentMissesShareFetch(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreRedisTimeCache)
	store := newMemStore()
	p := newTestPaste(t, store, nil)
	ctx := context.Background()
	blob, _ := record.Encode(&domain.Paste{Paste: "x"})
	id, _ := store.Insert(ctx, blob)
	public := p.cipher.Encode(id)

	store.gate = make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := p.Get(ctx, public)
			errs <- err
		}()
	}
	// Let the goroutines pile up behind the first fetch.
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if n := store.fetches.Load(); n > 2 {
		t.Errorf("store fetched %d times for one id", n)
	}
}

func TestCancelledLeaderDoesNotFailWaiters(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreRedisTimeCache)
	store := newMemStore()
	p := newTestPaste(t, store, nil)
	blob, _ := record.Encode(&domain.Paste{Paste: "shared"})
	id, _ := store.Insert(context.Background(), blob)
	public := p.cipher.Encode(id)

	store.gate = make(chan struct{})
	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := p.Get(leaderCtx, public)
		leaderErr <- err
	}()
	for store.fetches.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	waiterErr := make(chan error, 1)
	go func() {
		paste, _, err := p.Get(context.Background(), public)
		if err == nil && paste.Paste != "shared" {
			err = errors.Errorf("paste = %q", paste.Paste)
		}
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	close(store.gate)

	if err := <-waiterErr; err != nil {
		t.Errorf("waiter failed after leader cancelled: %v", err)
	}
	<-leaderErr
}

func TestCircuitOpenMapsToUnavailable(t *testing.T) {
	store := newMemStore()
	store.failErr = db.ErrCircuitOpen
	p := newTestPaste(t, store, nil)
	_, err := p.Create(context.Background(), domain.CreateParams{Paste: "x"})
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Create err = %v, want unavailable", err)
	}
	if domain.Status(err) != 503 {
		t.Errorf("status = %d", domain.Status(err))
	}
}

func TestDecodeFailure(t *testing.T) {
	store := newMemStore()
	p := newTestPaste(t, store, nil)
	id, _ := store.Insert(context.Background(), []byte{1, 2, 3})
	_, _, err := p.Get(context.Background(), p.cipher.Encode(id))
	if !errors.Is(err, domain.ErrMalformedRecord) {
		t.Errorf("Get err = %v, want malformed record", err)
	}
}

func TestDetailed(t *testing.T) {
	p := newTestPaste(t, newMemStore(), nil)
	ctx := context.Background()
	text := "Team notes\n\nGarchomp (F) @ Leftovers\nShiny: Yes\n- Earthquake\n\n" + chanseyPaste
	id, err := p.Create(ctx, domain.CreateParams{Title: "Sand", Paste: text})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, etag, err := p.Detailed(ctx, id)
	if err != nil {
		t.Fatalf("Detailed: %v", err)
	}
	if !strings.HasPrefix(etag, `W/"`) {
		t.Errorf("etag = %q, want weak tag", etag)
	}
	if d.Title != "Sand" || len(d.Sets) != 3 {
		t.Fatalf("detailed = %+v", d)
	}
	if d.Sets[0].IsSet() || *d.Sets[0].Text != "Team notes" {
		t.Errorf("first block = %+v", d.Sets[0])
	}
	chomp := d.Sets[1].Mon
	if chomp == nil || chomp.Image != "imgs/garchomp-s.png" {
		t.Errorf("garchomp = %+v", chomp)
	}
	if chomp != nil && (len(chomp.Moves) != 1 || chomp.Moves[0].Type1 != "Ground") {
		t.Errorf("garchomp moves = %+v", chomp.Moves)
	}
	chansey := d.Sets[2].Mon
	if chansey == nil || chansey.Image != "imgs/chansey.png" || chansey.EVs.HP != 252 {
		t.Errorf("chansey = %+v", chansey)
	}
}

func TestImage(t *testing.T) {
	p := newTestPaste(t, newMemStore(), nil)
	tests := []struct {
		name          string
		shiny, female bool
		want          string
	}{
		{"Garchomp", false, false, "imgs/garchomp.png"},
		{"garchomp", true, false, "imgs/garchomp-s.png"},
		{"Garchomp", false, true, "imgs/garchomp-f.png"},
		{"Chansey", true, false, "imgs/chansey.png"},
		{"Missingno", false, false, "imgs/unknown.png"},
	}
	for _, tt := range tests {
		if got := p.Image(tt.name, tt.shiny, tt.female); got != tt.want {
			t.Errorf("Image(%q, %v, %v) = %q, want %q", tt.name, tt.shiny, tt.female, got, tt.want)
		}
	}
}

func TestShutdownRejectsCreate(t *testing.T) {
	p := newTestPaste(t, newMemStore(), nil)
	p.Shutdown()
	if _, err := p.Create(context.Background(), domain.CreateParams{Paste: "x"}); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Create after shutdown err = %v", err)
	}
}

func TestWithSQLiteStore(t *testing.T) {
	store, err := db.NewSQLite("file:" + filepath.Join(t.TempDir(), "pokebin.db") + "?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	p := newTestPaste(t, store, nil)
	ctx := context.Background()
	id, err := p.Create(ctx, domain.CreateParams{Title: "persisted", Paste: chanseyPaste})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.lru = mustLRU(t)
	got, _, err := p.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "persisted" || got.Paste != chanseyPaste {
		t.Errorf("got %+v", got)
	}
}

func mustLRU(t *testing.T) *cache.LRU {
	t.Helper()
	l, err := cache.NewLRU(16)
	if err != nil {
		t.Fatalf("NewLRU: %v", err)
	}
	return l
}

func TestClosedStoreFailsCleanly(t *testing.T) {
	store, err := db.NewSQLite("file:" + filepath.Join(t.TempDir(), "pokebin.db") + "?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	p := newTestPaste(t, store, nil)
	ctx := context.Background()
	id, err := p.Create(ctx, domain.CreateParams{Paste: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.lru = mustLRU(t)
	store.Close()

	if _, err := p.Create(ctx, domain.CreateParams{Paste: "will fail"}); err == nil {
		t.Error("Create succeeded on a closed store")
	}
	_, _, err = p.Get(ctx, id)
	if err == nil {
		t.Fatal("Get succeeded on a closed store")
	}
	if errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("store failure reported as not found: %v", err)
	}
}
