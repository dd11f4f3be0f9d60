package trader

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-screener/internal/database"
	"signal-screener/internal/market"
	"signal-screener/internal/metrics"
)

const batchSweepInterval = 5 * time.Second

// batch aggregates the per-symbol tasks spawned by one (trader, bar) close
// into a single execution history row.
type batch struct {
	id        string
	traderID  string
	timeframe market.Timeframe
	openTime  int64
	startedAt time.Time
	deadline  time.Time

	mu        sync.Mutex
	expected  int
	completed int
	checked   int
	matched   int
	firstErr  string
	finalized bool
}

// note records one task outcome and reports whether the batch just filled.
// Outcomes arriving after finalization are dropped.
func (b *batch) note(evaluated, matched bool, errMsg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return false
	}
	b.completed++
	if evaluated {
		b.checked++
	}
	if matched {
		b.matched++
	}
	if errMsg != "" && b.firstErr == "" {
		b.firstErr = errMsg
	}
	return b.completed >= b.expected
}

type historyStore interface {
	InsertExecutionHistory(ctx context.Context, h *database.ExecutionHistory) error
}

// batchTracker owns the open batches. Batches normally finalize when their
// last task reports in; the sweeper flushes stragglers whose tasks were
// shed or abandoned so history rows never leak.
type batchTracker struct {
	store historyStore
	grace time.Duration
	log   zerolog.Logger

	mu      sync.Mutex
	batches map[string]*batch

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newBatchTracker(store historyStore, grace time.Duration, log zerolog.Logger) *batchTracker {
	return &batchTracker{
		store:   store,
		grace:   grace,
		log:     log.With().Str("component", "batch_tracker").Logger(),
		batches: make(map[string]*batch),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (bt *batchTracker) start() {
	go bt.sweep()
}

// close stops the sweeper and flushes whatever batches remain open.
func (bt *batchTracker) close() {
	bt.stopOnce.Do(func() { close(bt.stopCh) })
	<-bt.done
	bt.flushAll()
}

func batchKey(traderID string, openTime int64) string {
	return traderID + ":" + strconv.FormatInt(openTime, 10)
}

// ensure returns the batch for (trader, bar), creating it on the bar's
// first symbol.
func (bt *batchTracker) ensure(traderID string, tf market.Timeframe, openTime int64, expected int) *batch {
	key := batchKey(traderID, openTime)
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if b, ok := bt.batches[key]; ok {
		return b
	}
	if expected < 1 {
		expected = 1
	}
	now := time.Now()
	b := &batch{
		id:        uuid.NewString(),
		traderID:  traderID,
		timeframe: tf,
		openTime:  openTime,
		startedAt: now,
		deadline:  now.Add(bt.grace),
		expected:  expected,
	}
	bt.batches[key] = b
	metrics.BatchesTotal.WithLabelValues(tf.String()).Inc()
	return b
}

func (bt *batchTracker) noteMatched(b *batch) { bt.record(b, true, true, "") }
func (bt *batchTracker) noteChecked(b *batch) { bt.record(b, true, false, "") }
func (bt *batchTracker) noteSkip(b *batch)    { bt.record(b, false, false, "") }

func (bt *batchTracker) noteError(b *batch, err error) {
	msg := "evaluation failed"
	if err != nil {
		msg = err.Error()
	}
	bt.record(b, true, false, msg)
}

func (bt *batchTracker) record(b *batch, evaluated, matched bool, errMsg string) {
	if b == nil {
		return
	}
	if b.note(evaluated, matched, errMsg) {
		bt.finalize(b)
	}
}

// finalize writes the history row and drops the batch. Idempotent; the
// filling task and the sweeper may race here.
func (bt *batchTracker) finalize(b *batch) {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	checked, matched := b.checked, b.matched
	firstErr := b.firstErr
	startedAt := b.startedAt
	b.mu.Unlock()

	bt.mu.Lock()
	delete(bt.batches, batchKey(b.traderID, b.openTime))
	bt.mu.Unlock()

	completedAt := time.Now()
	hist := &database.ExecutionHistory{
		TraderID:        b.traderID,
		StartedAt:       startedAt.UTC(),
		CompletedAt:     completedAt.UTC(),
		SymbolsChecked:  checked,
		SymbolsMatched:  matched,
		ExecutionTimeMs: completedAt.Sub(startedAt).Milliseconds(),
	}
	if firstErr != "" {
		hist.Error = &firstErr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bt.store.InsertExecutionHistory(ctx, hist); err != nil {
		bt.log.Warn().Err(err).Str("batch_id", b.id).Str("trader_id", b.traderID).Msg("writing batch history failed")
	}
}

func (bt *batchTracker) sweep() {
	defer close(bt.done)
	ticker := time.NewTicker(batchSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-bt.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			bt.mu.Lock()
			var overdue []*batch
			for _, b := range bt.batches {
				if now.After(b.deadline) {
					overdue = append(overdue, b)
				}
			}
			bt.mu.Unlock()
			for _, b := range overdue {
				bt.log.Debug().Str("batch_id", b.id).Str("trader_id", b.traderID).Int64("open_time", b.openTime).Msg("batch overdue, flushing")
				bt.finalize(b)
			}
		}
	}
}

func (bt *batchTracker) flushAll() {
	bt.mu.Lock()
	remaining := make([]*batch, 0, len(bt.batches))
	for _, b := range bt.batches {
		remaining = append(remaining, b)
	}
	bt.mu.Unlock()
	for _, b := range remaining {
		bt.finalize(b)
	}
}
