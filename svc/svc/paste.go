package svc

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"pokebin/cfg"
	"pokebin/metrics"
	"pokebin/pkg/domain"
	"pokebin/pkg/idcipher"
	"pokebin/pkg/record"
	"pokebin/pkg/team"
	"pokebin/svc/cache"
	"pokebin/svc/db"
	"pokebin/svc/util"
)

const defaultFetchTimeout = 5 * time.Second

// BlobCache is the shared second-level cache in front of the store.
type BlobCache interface {
	CacheBlob(ctx context.Context, id int64, blob []byte, ttl time.Duration) error
	GetBlob(ctx context.Context, id int64) ([]byte, error)
}

type Paste struct {
	store    db.Store
	lru      *cache.LRU
	rdb      BlobCache
	cipher   *idcipher.Cipher
	builder  *team.Builder
	images   team.ImageResolver
	cfg      *cfg.Cfg
	group    singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

// NewPaste wires the service. rdb may be nil.
func NewPaste(store db.Store, lru *cache.LRU, rdb BlobCache, cipher *idcipher.Cipher, builder *team.Builder, images team.ImageResolver, c *cfg.Cfg) *Paste {
	if store == nil || lru == nil || cipher == nil || builder == nil || images == nil || c == nil {
		panic("paste service: nil dependency (store, lru, cipher, builder, images or cfg)")
	}
	return &Paste{
		store:   store,
		lru:     lru,
		rdb:     rdb,
		cipher:  cipher,
		builder: builder,
		images:  images,
		cfg:     c,
	}
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

// Create stores a new paste and returns its public id. The rental code is
// kept byte for byte; every other field is trimmed and NFC normalized.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (string, error) {
	if p.shutdown.Load() {
		return "", errors.Wrap(domain.ErrUnavailable, "service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	rec := &domain.Paste{
		Title:  clean(params.Title),
		Author: clean(params.Author),
		Notes:  clean(params.Notes),
		Rental: params.Rental,
		Paste:  clean(params.Paste),
		Format: clean(params.Format),
	}
	if rec.Paste == "" {
		return "", domain.ErrContentRequired
	}
	if int64(len(rec.Paste)) > p.cfg.MaxPasteSize {
		return "", domain.ErrPasteTooLarge
	}
	blob, err := record.Encode(rec)
	if err != nil {
		return "", err
	}
	id, err := p.store.Insert(ctx, blob)
	if err != nil {
		return "", storeErr(err, "insert paste")
	}
	p.lru.Set(id, blob)
	if p.rdb != nil {
		if err := p.rdb.CacheBlob(ctx, id, blob, p.cfg.RedisCacheTTL); err != nil {
			util.Warn().Err(err).Int64("id", id).Msg("failed to cache in Redis")
		}
	}
	metrics.PasteCreated.Inc()
	util.Debug().
		Int64("id", id).
		Int("size", len(blob)).
		Str("paste", util.RedactPaste(rec.Paste)).
		Msg("paste stored")
	return p.cipher.Encode(id), nil
}

// Get returns the stored record for publicID and an entity tag derived from
// the stored bytes.
func (p *Paste) Get(ctx context.Context, publicID string) (*domain.Paste, string, error) {
	id, err := p.cipher.Decode(publicID)
	if err != nil {
		return nil, "", domain.ErrPasteNotFound
	}
	blob, err := p.load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	rec, err := record.Decode(blob)
	if err != nil {
		metrics.DecodeFailures.Inc()
		return nil, "", errors.Wrapf(err, "paste %d", id)
	}
	rec.ID = id
	metrics.PasteRetrieved.Inc()
	return rec, ETag(blob), nil
}

// Detailed parses the paste body into roster content.
func (p *Paste) Detailed(ctx context.Context, publicID string) (*domain.Detailed, string, error) {
	rec, etag, err := p.Get(ctx, publicID)
	if err != nil {
		return nil, "", err
	}
	sets := p.builder.Build(rec.Paste)
	for _, c := range sets {
		if c.Mon == nil {
			metrics.BlocksParsed.WithLabelValues("text").Inc()
			continue
		}
		metrics.BlocksParsed.WithLabelValues("set").Inc()
		c.Mon.Image = p.publicImage(c.Mon.Image)
	}
	metrics.DetailedViews.Inc()
	return &domain.Detailed{
		Title:  rec.Title,
		Author: rec.Author,
		Notes:  rec.Notes,
		Rental: rec.Rental,
		Format: rec.Format,
		Sets:   sets,
	}, `W/` + etag, nil
}

// Image resolves a species name to its public image path.
func (p *Paste) Image(name string, shiny, female bool) string {
	return p.publicImage(p.images.GetImage(team.SpeciesKey(name), shiny, female))
}

func (p *Paste) publicImage(path string) string {
	prefix := p.cfg.Data.ImageDir + "/"
	if rest, ok := strings.CutPrefix(path, prefix); ok {
		return p.cfg.Data.PublicImagePrefix + "/" + rest
	}
	return path
}

// load reads a blob through the LRU, then Redis, then the store. Concurrent
// misses for one id share a single lookup.
func (p *Paste) load(ctx context.Context, id int64) ([]byte, error) {
	if blob, ok := p.lru.Get(ctx, id); ok {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		return blob, nil
	}
	metrics.CacheMisses.WithLabelValues("lru").Inc()
	v, err, _ := p.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		// Every waiter shares this fetch, so it runs on its own deadline
		// rather than the first caller's.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout())
		defer cancel()
		if p.rdb != nil {
			blob, err := p.rdb.GetBlob(ctx, id)
			if err != nil {
				util.Warn().Err(err).Int64("id", id).Msg("redis get failed")
			} else if blob != nil {
				metrics.CacheHits.WithLabelValues("redis").Inc()
				p.lru.Set(id, blob)
				return blob, nil
			}
			metrics.CacheMisses.WithLabelValues("redis").Inc()
		}
		blob, err := p.store.Fetch(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrPasteNotFound) {
				return nil, domain.ErrPasteNotFound
			}
			return nil, storeErr(err, "fetch paste")
		}
		p.lru.Set(id, blob)
		if p.rdb != nil {
			if err := p.rdb.CacheBlob(ctx, id, blob, p.cfg.RedisCacheTTL); err != nil {
				util.Warn().Err(err).Int64("id", id).Msg("failed to cache in Redis")
			}
		}
		return blob, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (p *Paste) fetchTimeout() time.Duration {
	if p.cfg.DBQueryTimeout > 0 {
		return p.cfg.DBQueryTimeout
	}
	return defaultFetchTimeout
}

func storeErr(err error, msg string) error {
	if errors.Is(err, db.ErrCircuitOpen) {
		return errors.Wrap(domain.ErrUnavailable, msg+": "+err.Error())
	}
	return errors.Wrap(err, msg)
}

// ETag is a strong entity tag over the stored bytes.
func ETag(blob []byte) string {
	sum := blake3.Sum256(blob)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
