package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Metric names a usage dimension tracked per project and key.
type Metric string

const (
	MetricRequests    Metric = "request"
	MetricEgressBytes Metric = "egress_bytes"
)

// CounterRow is one flushed aggregate: (project, key prefix, metric, hour).
type CounterRow struct {
	ProjectID   int64
	KeyPrefix   string
	Metric      Metric
	PeriodStart time.Time
	Value       int64
}

// UsageStore persists flushed aggregates and serves dashboard read-back.
type UsageStore interface {
	// UpsertCounters merges rows into the persistent hourly aggregates.
	UpsertCounters(ctx context.Context, rows []CounterRow) error

	// Totals sums persisted values per metric for a project since a cutoff.
	Totals(ctx context.Context, projectID int64, since time.Time) (map[Metric]int64, error)
}

// Budget holds the per-tier ceilings. Zero means unbounded.
type Budget struct {
	RequestsPerMinute int
	EgressBytesPerDay int64
}

// BudgetDecision is the result of a budget check.
type BudgetDecision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

type counterKey struct {
	projectID int64
	keyPrefix string
	metric    Metric
	bucket    int64 // unix seconds at hour start
}

type windowKey struct {
	projectID int64
	keyPrefix string
	bucket    int64 // unix seconds at window start
}

// Tracker counts requests and egress bytes per project and key against
// configurable budgets. Increments are a single atomic mutation per counter
// key, so concurrent requests in the same window never lose updates. Its own
// failures are logged and swallowed — they never block or fail the request
// being measured.
type Tracker struct {
	store  UsageStore
	budget Budget

	// Hourly aggregates pending flush. Values are *atomic.Int64; flush swaps
	// each to zero and upserts the drained amounts.
	counters sync.Map // counterKey -> *atomic.Int64

	// Accumulate-and-expire windows backing the budget checks.
	reqWindow sync.Map // windowKey (minute) -> *atomic.Int64
	egressDay sync.Map // windowKey (day)    -> *atomic.Int64

	flushEvery time.Duration
	stopCh     chan struct{}
	done       chan struct{}
}

func NewTracker(store UsageStore, budget Budget, flushEvery time.Duration) *Tracker {
	if flushEvery <= 0 {
		flushEvery = 30 * time.Second
	}
	return &Tracker{
		store:      store,
		budget:     budget,
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (t *Tracker) Start() {
	go t.flushLoop()
}

// Stop halts the flush loop and performs a final flush.
func (t *Tracker) Stop() {
	close(t.stopCh)
	<-t.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Flush(ctx); err != nil {
		slog.Warn("Final usage flush failed", "error", err)
	}
}

// Record increments a counter. Fire and forget: it never blocks on I/O and
// never returns an error.
func (t *Tracker) Record(projectID int64, keyPrefix string, metric Metric, amount int64) {
	if amount <= 0 {
		return
	}
	now := time.Now().UTC()

	hour := counterKey{projectID: projectID, keyPrefix: keyPrefix, metric: metric, bucket: now.Truncate(time.Hour).Unix()}
	loadCounter(&t.counters, hour).Add(amount)

	switch metric {
	case MetricRequests:
		k := windowKey{projectID: projectID, keyPrefix: keyPrefix, bucket: now.Truncate(time.Minute).Unix()}
		loadWindow(&t.reqWindow, k).Add(amount)
	case MetricEgressBytes:
		k := windowKey{projectID: projectID, keyPrefix: keyPrefix, bucket: now.Truncate(24 * time.Hour).Unix()}
		loadWindow(&t.egressDay, k).Add(amount)
	}
}

// CheckBudget decides whether the caller is within its request-per-minute and
// egress-per-day ceilings. Remaining is the headroom of the tightest
// configured window, or -1 when every ceiling is unbounded.
func (t *Tracker) CheckBudget(projectID int64, keyPrefix string) BudgetDecision {
	now := time.Now().UTC()
	decision := BudgetDecision{Allowed: true, Remaining: -1}

	if t.budget.RequestsPerMinute > 0 {
		minute := now.Truncate(time.Minute)
		k := windowKey{projectID: projectID, keyPrefix: keyPrefix, bucket: minute.Unix()}
		remaining := int64(t.budget.RequestsPerMinute) - loadWindow(&t.reqWindow, k).Load()
		if remaining <= 0 {
			return BudgetDecision{Allowed: false, Remaining: 0, ResetAt: minute.Add(time.Minute)}
		}
		decision.Remaining = remaining
	}

	if t.budget.EgressBytesPerDay > 0 {
		day := now.Truncate(24 * time.Hour)
		k := windowKey{projectID: projectID, keyPrefix: keyPrefix, bucket: day.Unix()}
		remaining := t.budget.EgressBytesPerDay - loadWindow(&t.egressDay, k).Load()
		if remaining <= 0 {
			return BudgetDecision{Allowed: false, Remaining: 0, ResetAt: day.Add(24 * time.Hour)}
		}
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Remaining = remaining
		}
	}

	return decision
}

// Flush drains the pending hourly counters into the store. On failure the
// drained amounts are merged back so a later flush retries them; the error is
// returned for logging only and never reaches a request path.
func (t *Tracker) Flush(ctx context.Context) error {
	var rows []CounterRow
	var keys []counterKey

	t.counters.Range(func(k, v any) bool {
		key := k.(counterKey)
		drained := v.(*atomic.Int64).Swap(0)
		if drained > 0 {
			rows = append(rows, CounterRow{
				ProjectID:   key.projectID,
				KeyPrefix:   key.keyPrefix,
				Metric:      key.metric,
				PeriodStart: time.Unix(key.bucket, 0).UTC(),
				Value:       drained,
			})
			keys = append(keys, key)
		}
		return true
	})

	if len(rows) == 0 {
		t.expireWindows()
		return nil
	}

	if err := t.store.UpsertCounters(ctx, rows); err != nil {
		for i, row := range rows {
			loadCounter(&t.counters, keys[i]).Add(row.Value)
		}
		return err
	}

	t.expireWindows()
	return nil
}

// Totals returns persisted aggregates plus unflushed in-memory deltas, so the
// dashboard reads back a consistent (eventually exact) view.
func (t *Tracker) Totals(ctx context.Context, projectID int64, since time.Time) (map[Metric]int64, error) {
	totals, err := t.store.Totals(ctx, projectID, since)
	if err != nil {
		return nil, err
	}
	if totals == nil {
		totals = make(map[Metric]int64)
	}

	cutoff := since.UTC().Truncate(time.Hour).Unix()
	t.counters.Range(func(k, v any) bool {
		key := k.(counterKey)
		if key.projectID == projectID && key.bucket >= cutoff {
			totals[key.metric] += v.(*atomic.Int64).Load()
		}
		return true
	})

	return totals, nil
}

func (t *Tracker) flushLoop() {
	defer close(t.done)

	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := t.Flush(ctx); err != nil {
				slog.Warn("Usage flush failed, will retry", "error", err)
			}
			cancel()
		}
	}
}

// expireWindows drops budget windows whose period has passed.
func (t *Tracker) expireWindows() {
	now := time.Now().UTC()

	minuteCutoff := now.Truncate(time.Minute).Unix()
	t.reqWindow.Range(func(k, _ any) bool {
		if k.(windowKey).bucket < minuteCutoff {
			t.reqWindow.Delete(k)
		}
		return true
	})

	dayCutoff := now.Truncate(24 * time.Hour).Unix()
	t.egressDay.Range(func(k, _ any) bool {
		if k.(windowKey).bucket < dayCutoff {
			t.egressDay.Delete(k)
		}
		return true
	})
}

func loadCounter(m *sync.Map, key counterKey) *atomic.Int64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func loadWindow(m *sync.Map, key windowKey) *atomic.Int64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}
