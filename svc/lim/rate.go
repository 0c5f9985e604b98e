package lim

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"pokebin/cfg"
	"pokebin/svc/util"
)

const (
	maxBuckets       = 10000
	sweepInterval    = 5 * time.Minute
	bucketTTL        = 30 * time.Minute
	adaptiveDuration = time.Minute
	counterTimeout   = 100 * time.Millisecond
)

// Class groups endpoints that share a budget.
type Class string

const (
	ClassCreate Class = "create"
	ClassRead   Class = "read"
)

var classes = []Class{ClassCreate, ClassRead}

type Limits struct {
	CreateRPM    int
	ReadRPM      int
	Burst        int
	Conservative int
	Anomaly      Thresholds
}

// LimitsFromCfg maps the RATE_LIMIT_* and ANOMALY_* settings.
func LimitsFromCfg(c cfg.RateLimitCfg) Limits {
	return Limits{
		CreateRPM:    c.CreateRPM,
		ReadRPM:      c.ReadRPM,
		Burst:        c.Burst,
		Conservative: c.ConservativeLimit,
		Anomaly: Thresholds{
			Window:      c.AnomalyWindow,
			MinRequests: int64(c.AnomalyMinRequests),
			ErrorRate:   c.AnomalyErrorRate,
		},
	}
}

// Counter is the shared fixed-window counter backing the limiter when Redis
// is configured.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Decision is the outcome of one CheckLimit call, shaped for the
// X-RateLimit-* headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type bucketKey struct {
	ip    string
	class Class
}

type tokenBucket struct {
	lim  *rate.Limiter
	rpm  int
	seen time.Time
}

type Limiter struct {
	limits   Limits
	rdb      Counter
	proxies  proxySet
	detector *AnomalyDetector
	adaptive map[Class]*atomic.Int64

	mu      sync.Mutex
	buckets *lru.Cache[bucketKey, *tokenBucket]

	quit     chan struct{}
	stopOnce sync.Once
}

// New starts the limiter's sweeper and anomaly detector; call Stop to end
// them. A nil rdb keeps all counting in process. New panics on a malformed
// trusted proxy, which cfg.Validate rejects first.
func New(limits Limits, rdb Counter, trustedProxies []string) *Limiter {
	proxies, err := parseProxies(trustedProxies)
	if err != nil {
		panic(fmt.Sprintf("lim.New: %v", err))
	}
	buckets, err := lru.New[bucketKey, *tokenBucket](maxBuckets)
	if err != nil {
		panic(fmt.Sprintf("lim.New: %v", err))
	}
	l := &Limiter{
		limits:   limits,
		rdb:      rdb,
		proxies:  proxies,
		adaptive: make(map[Class]*atomic.Int64, len(classes)),
		buckets:  buckets,
		quit:     make(chan struct{}),
	}
	for _, c := range classes {
		l.adaptive[c] = new(atomic.Int64)
	}
	l.detector = NewAnomalyDetector(limits.Anomaly, l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.sweepLoop()
	return l
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.quit:
			return
		}
	}
}

// sweep drops buckets idle for longer than bucketTTL. Keys come back least
// recently used first, so the walk stops at the first live bucket.
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for _, k := range l.buckets.Keys() {
		b, ok := l.buckets.Peek(k)
		if ok && now.Sub(b.seen) <= bucketTTL {
			break
		}
		l.buckets.Remove(k)
		dropped++
	}
	if dropped > 0 {
		util.Debug().Int("dropped", dropped).Int("remaining", l.buckets.Len()).Msg("rate limiter sweep")
	}
}

// TriggerAdaptiveMode halves class's limits for the next minute.
func (l *Limiter) TriggerAdaptiveMode(class Class) {
	if a, ok := l.adaptive[class]; ok {
		a.Store(time.Now().Add(adaptiveDuration).UnixNano())
	}
}

func (l *Limiter) adaptiveFor(class Class) bool {
	a, ok := l.adaptive[class]
	return ok && time.Now().UnixNano() < a.Load()
}

func (l *Limiter) RecordRequest(class Class) { l.detector.RecordRequest(class) }
func (l *Limiter) RecordError(class Class)   { l.detector.RecordError(class) }

// effective applies adaptive mode to a configured per-minute limit.
func (l *Limiter) effective(class Class, rpm int) int {
	if l.adaptiveFor(class) {
		rpm /= 2
	}
	return max(rpm, 1)
}

func (l *Limiter) rpm(class Class) int {
	if class == ClassCreate {
		return l.effective(class, l.limits.CreateRPM)
	}
	return l.effective(class, l.limits.ReadRPM)
}

// CheckLimit counts r against its client's budget for class. With Redis the
// budget is a shared per-minute window; when Redis errors the limiter falls
// back to the conservative local limit.
func (l *Limiter) CheckLimit(r *http.Request, class Class) Decision {
	ip := l.ClientIP(r)
	now := time.Now()
	limit := l.rpm(class)
	if l.rdb == nil {
		return l.allowLocal(ip, class, limit, now)
	}
	ctx, cancel := context.WithTimeout(r.Context(), counterTimeout)
	defer cancel()
	usage, err := l.rdb.RateLimit(ctx, "rl:"+string(class)+":"+ip, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Str("class", string(class)).Msg("redis rate limit unavailable, using conservative local limit")
		return l.allowLocal(ip, class, l.effective(class, l.limits.Conservative), now)
	}
	return Decision{
		Allowed:   usage <= limit,
		Limit:     limit,
		Remaining: max(limit-usage, 0),
		Reset:     now.Add(time.Minute),
	}
}

// allowLocal spends one token from the client's in-process bucket. The
// bucket is rebuilt when its limit changes; at capacity the least recently
// seen client's bucket is evicted.
func (l *Limiter) allowLocal(ip string, class Class, rpm int, now time.Time) Decision {
	burst := l.limits.Burst
	if burst <= 0 || burst > rpm {
		burst = rpm
	}
	key := bucketKey{ip: ip, class: class}

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets.Get(key)
	if !ok || b.rpm != rpm {
		b = &tokenBucket{lim: rate.NewLimiter(rate.Limit(float64(rpm)/60), burst), rpm: rpm}
		l.buckets.Add(key, b)
	}
	b.seen = now
	if !b.lim.AllowN(now, 1) {
		return Decision{Limit: rpm, Reset: now.Add(time.Minute / time.Duration(rpm))}
	}
	return Decision{
		Allowed:   true,
		Limit:     rpm,
		Remaining: int(b.lim.TokensAt(now)),
		Reset:     now.Add(time.Minute),
	}
}
