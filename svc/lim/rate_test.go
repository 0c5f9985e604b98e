package lim

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/goleak"

	"pokebin/cfg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.startGlobalTimeCache.func1"),
	)
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (c *memCounter) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if c.counts[key] >= limit {
		return c.counts[key] + 1, nil
	}
	c.counts[key]++
	return c.counts[key], nil
}

func newTestLimiter(t *testing.T, limits Limits, rdb Counter, proxies ...string) *Limiter {
	t.Helper()
	l := New(limits, rdb, proxies)
	t.Cleanup(l.Stop)
	return l
}

func allowedN(l *Limiter, addr string, class Class, n int) int {
	allowed := 0
	for i := 0; i < n; i++ {
		r := httptest.NewRequest("GET", "/x", nil)
		r.RemoteAddr = addr
		if l.CheckLimit(r, class).Allowed {
			allowed++
		}
	}
	return allowed
}

func TestLocalLimitPerClass(t *testing.T) {
	l := newTestLimiter(t, Limits{CreateRPM: 2, ReadRPM: 5, Conservative: 1}, nil)
	if got := allowedN(l, "198.51.100.1:1000", ClassCreate, 10); got != 2 {
		t.Errorf("create allowed %d, want 2", got)
	}
	if got := allowedN(l, "198.51.100.1:1000", ClassRead, 10); got != 5 {
		t.Errorf("read allowed %d, want 5", got)
	}
	if got := allowedN(l, "198.51.100.2:1000", ClassCreate, 10); got != 2 {
		t.Errorf("second client allowed %d, want 2", got)
	}
}

func TestLocalBurstCapsBucket(t *testing.T) {
	l := newTestLimiter(t, Limits{CreateRPM: 30, ReadRPM: 600, Burst: 3, Conservative: 1}, nil)
	if got := allowedN(l, "198.51.100.1:1000", ClassCreate, 10); got != 3 {
		t.Errorf("allowed %d, want burst of 3", got)
	}
}

func TestSharedCounter(t *testing.T) {
	c := &memCounter{counts: map[string]int{}}
	l := newTestLimiter(t, Limits{CreateRPM: 3, ReadRPM: 100, Conservative: 1}, c)
	if got := allowedN(l, "198.51.100.1:1000", ClassCreate, 5); got != 3 {
		t.Errorf("allowed %d, want 3", got)
	}
	if c.counts["rl:create:198.51.100.1"] != 3 {
		t.Errorf("counter = %v", c.counts)
	}
	r := httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "198.51.100.1:1000"
	res := l.CheckLimit(r, ClassCreate)
	if res.Allowed || res.Remaining != 0 || res.Limit != 3 {
		t.Errorf("unexpected result past limit: %+v", res)
	}
}

func TestCounterFailureFallsBackToConservative(t *testing.T) {
	c := &memCounter{counts: map[string]int{}, err: errors.New("redis down")}
	l := newTestLimiter(t, Limits{CreateRPM: 100, ReadRPM: 100, Conservative: 2}, c)
	if got := allowedN(l, "198.51.100.1:1000", ClassRead, 10); got != 2 {
		t.Errorf("allowed %d, want conservative 2", got)
	}
}

func TestAdaptiveModeHalvesClassLimit(t *testing.T) {
	l := newTestLimiter(t, Limits{CreateRPM: 4, ReadRPM: 4, Conservative: 1}, nil)
	l.TriggerAdaptiveMode(ClassCreate)
	if !l.adaptiveFor(ClassCreate) || l.adaptiveFor(ClassRead) {
		t.Fatal("adaptive mode should cover create only")
	}
	if got := allowedN(l, "198.51.100.1:1000", ClassCreate, 10); got != 2 {
		t.Errorf("create allowed %d, want 2", got)
	}
	if got := allowedN(l, "198.51.100.1:1000", ClassRead, 10); got != 4 {
		t.Errorf("read allowed %d, want 4", got)
	}
}

func TestAnomalyTripsAdaptiveMode(t *testing.T) {
	l := newTestLimiter(t, Limits{CreateRPM: 4, ReadRPM: 4, Conservative: 1,
		Anomaly: Thresholds{MinRequests: 2, ErrorRate: 10}}, nil)
	for i := 0; i < 4; i++ {
		l.RecordRequest(ClassRead)
		l.RecordError(ClassRead)
	}
	l.detector.AdvanceWindow()
	if !l.adaptiveFor(ClassRead) || l.adaptiveFor(ClassCreate) {
		t.Error("read errors should halve read limits only")
	}
}

func TestLimitsFromCfg(t *testing.T) {
	got := LimitsFromCfg(cfg.RateLimitCfg{
		CreateRPM: 30, ReadRPM: 600, Burst: 10, ConservativeLimit: 20,
		AnomalyWindow: 5, AnomalyMinRequests: 10, AnomalyErrorRate: 7.5,
	})
	want := Limits{CreateRPM: 30, ReadRPM: 600, Burst: 10, Conservative: 20,
		Anomaly: Thresholds{Window: 5, MinRequests: 10, ErrorRate: 7.5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("limits mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l := newTestLimiter(t, Limits{CreateRPM: 4, ReadRPM: 4, Conservative: 1}, nil)
	allowedN(l, "198.51.100.1:1000", ClassRead, 1)
	allowedN(l, "198.51.100.2:1000", ClassRead, 1)
	l.mu.Lock()
	old, _ := l.buckets.Peek(bucketKey{ip: "198.51.100.1", class: ClassRead})
	old.seen = time.Now().Add(-2 * bucketTTL)
	l.mu.Unlock()

	l.sweep(time.Now())
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets.Len() != 1 || !l.buckets.Contains(bucketKey{ip: "198.51.100.2", class: ClassRead}) {
		t.Errorf("sweep left %v", l.buckets.Keys())
	}
}

func TestDeniedResetIsNextToken(t *testing.T) {
	l := newTestLimiter(t, Limits{CreateRPM: 6, ReadRPM: 6, Burst: 1, Conservative: 1}, nil)
	r := httptest.NewRequest("POST", "/create", nil)
	r.RemoteAddr = "198.51.100.1:1000"
	if d := l.CheckLimit(r, ClassCreate); !d.Allowed {
		t.Fatalf("first request denied: %+v", d)
	}
	d := l.CheckLimit(r, ClassCreate)
	if d.Allowed {
		t.Fatal("second request allowed past burst")
	}
	if wait := time.Until(d.Reset); wait <= 0 || wait > 10*time.Second {
		t.Errorf("reset in %v, want about 10s", wait)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(Limits{CreateRPM: 1, ReadRPM: 1, Conservative: 1}, nil, nil)
	l.Stop()
	l.Stop()
}

func TestNewPanicsOnBadProxy(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New(Limits{}, nil, []string{"not-an-ip"})
}
