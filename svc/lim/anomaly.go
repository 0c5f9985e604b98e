package lim

import (
	"sync"
	"time"

	"pokebin/metrics"
	"pokebin/svc/util"
)

// Thresholds tune anomaly detection. Zero fields take the defaults below.
type Thresholds struct {
	Window      int     // one-minute buckets kept per class
	MinRequests int64   // requests in the window before a rate counts
	ErrorRate   float64 // percent of 5xx responses that trips the class
}

const (
	defaultWindow      = 5
	defaultMinRequests = 10
	defaultErrorRate   = 5.0
)

func (t Thresholds) withDefaults() Thresholds {
	if t.Window <= 0 {
		t.Window = defaultWindow
	}
	if t.MinRequests <= 0 {
		t.MinRequests = defaultMinRequests
	}
	if t.ErrorRate <= 0 {
		t.ErrorRate = defaultErrorRate
	}
	return t
}

type tally struct {
	requests int64
	errors   int64
}

// AnomalyDetector keeps a ring of per-minute tallies for each endpoint class
// and reports classes whose recent error rate crosses the threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	th        Thresholds
	rings     map[Class][]tally
	pos       int
	onAnomaly func(Class)
	done      chan struct{}
	stopOnce  sync.Once
}

func NewAnomalyDetector(th Thresholds, onAnomaly func(Class)) *AnomalyDetector {
	th = th.withDefaults()
	rings := make(map[Class][]tally, len(classes))
	for _, c := range classes {
		rings[c] = make([]tally, th.Window)
	}
	return &AnomalyDetector{
		th:        th,
		rings:     rings,
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *AnomalyDetector) RecordRequest(class Class) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ring, ok := d.rings[class]; ok {
		ring[d.pos].requests++
	}
}

func (d *AnomalyDetector) RecordError(class Class) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ring, ok := d.rings[class]; ok {
		ring[d.pos].errors++
	}
}

// AdvanceWindow evaluates every class over the window, then starts a fresh
// bucket. onAnomaly runs outside the lock.
func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	var tripped []Class
	for _, class := range classes {
		var reqs, errs int64
		for _, t := range d.rings[class] {
			reqs += t.requests
			errs += t.errors
		}
		var rate float64
		if reqs > 0 {
			rate = float64(errs) / float64(reqs) * 100
		}
		metrics.RecentErrorRatePercent.WithLabelValues(string(class)).Set(rate)
		if reqs >= d.th.MinRequests && rate > d.th.ErrorRate {
			util.Warn().
				Str("class", string(class)).
				Float64("error_rate", rate).
				Int64("requests", reqs).
				Int64("errors", errs).
				Msg("error rate anomaly, halving limits for class")
			tripped = append(tripped, class)
		}
	}
	d.pos = (d.pos + 1) % d.th.Window
	for _, ring := range d.rings {
		ring[d.pos] = tally{}
	}
	d.mu.Unlock()

	if d.onAnomaly == nil {
		return
	}
	for _, class := range tripped {
		d.onAnomaly(class)
	}
}
