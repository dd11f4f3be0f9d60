package trader

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"signal-screener/internal/events"
	"signal-screener/internal/market"
	"signal-screener/internal/metrics"
)

// task is one (trader, symbol, bar) evaluation unit.
type task struct {
	traderID string
	symbol   string
	tf       market.Timeframe
	openTime int64
	batch    *batch
}

// taskQueue is a bounded FIFO with load shedding. When full, the oldest
// task of the incoming task's trader is shed first so one noisy trader
// cannot evict everyone else's work.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*task
	limit  int
	closed bool
}

func newTaskQueue(limit int) *taskQueue {
	q := &taskQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends tk and returns the task it shed, if any. After close every
// push sheds its own task.
func (q *taskQueue) push(tk *task) *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return tk
	}
	var dropped *task
	if len(q.items) >= q.limit {
		idx := 0
		for i, cand := range q.items {
			if cand.traderID == tk.traderID {
				idx = i
				break
			}
		}
		dropped = q.items[idx]
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	}
	q.items = append(q.items, tk)
	q.cond.Signal()
	return dropped
}

// pop blocks until a task is available or the queue is closed and drained.
func (q *taskQueue) pop() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	tk := q.items[0]
	q.items = q.items[1:]
	return tk, true
}

func (q *taskQueue) removeTrader(id string) []*task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []*task
	kept := q.items[:0]
	for _, tk := range q.items {
		if tk.traderID == id {
			removed = append(removed, tk)
		} else {
			kept = append(kept, tk)
		}
	}
	q.items = kept
	return removed
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// scheduler fans candle closes out to evaluation tasks and runs them on a
// fixed worker pool. Per (trader, symbol) execution is serialized; per
// trader it is capped by the analysis semaphore. A task blocked on either
// limit is parked off-queue and requeued when the holder finishes, so
// workers never spin.
type scheduler struct {
	m       *Manager
	queue   *taskQueue
	batches *batchTracker
	workers int

	wg     sync.WaitGroup
	closed atomic.Bool

	// cursors reject closes older than the newest bar seen per timeframe,
	// e.g. replays after a stream reconnect
	cursorMu sync.Mutex
	cursors  map[market.Timeframe]int64

	tokenMu   sync.Mutex
	inflight  map[string]bool    // trader:symbol slots currently executing
	executing map[string]int     // executing task count per trader, for drains
	parkedSym map[string][]*task // waiting on their trader:symbol slot
	parkedTr  map[string][]*task // waiting on a trader analysis token
}

func newScheduler(m *Manager) *scheduler {
	workers := m.cfg.WorkerCount
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &scheduler{
		m:         m,
		queue:     newTaskQueue(m.cfg.QueueSize),
		batches:   newBatchTracker(m.store, m.cfg.BatchGrace, m.log),
		workers:   workers,
		cursors:   make(map[market.Timeframe]int64),
		inflight:  make(map[string]bool),
		executing: make(map[string]int),
		parkedSym: make(map[string][]*task),
		parkedTr:  make(map[string][]*task),
	}
}

func (s *scheduler) start(ctx context.Context) error {
	if err := s.m.bus.SubscribeCandleClosed(s.onCandleClosed); err != nil {
		return err
	}
	s.batches.start()
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.m.log.Info().Int("workers", s.workers).Int("queue_size", s.m.cfg.QueueSize).Msg("scheduler started")
	return nil
}

// close stops intake, waits for workers to drain and flushes batches.
func (s *scheduler) close() {
	s.closed.Store(true)
	s.queue.close()
	s.wg.Wait()
	s.batches.close()
}

func (s *scheduler) onCandleClosed(ev events.CandleClosed) {
	if s.closed.Load() {
		return
	}

	s.cursorMu.Lock()
	if ev.OpenTime < s.cursors[ev.Timeframe] {
		s.cursorMu.Unlock()
		return
	}
	s.cursors[ev.Timeframe] = ev.OpenTime
	s.cursorMu.Unlock()

	traders := s.m.runningBySchedule(ev.Timeframe)
	if len(traders) == 0 {
		return
	}
	expected := len(s.m.source.ActiveSymbols())
	for _, t := range traders {
		b := s.batches.ensure(t.ID, ev.Timeframe, ev.OpenTime, expected)
		s.enqueue(&task{traderID: t.ID, symbol: ev.Symbol, tf: ev.Timeframe, openTime: ev.OpenTime, batch: b})
	}
	metrics.QueueDepth.Set(float64(s.queue.len()))
}

func (s *scheduler) enqueue(tk *task) {
	dropped := s.queue.push(tk)
	if dropped == nil {
		return
	}
	s.batches.noteSkip(dropped.batch)
	if t := s.m.resident(dropped.traderID); t != nil {
		t.recordDrop()
	}
	metrics.TasksTotal.WithLabelValues(metrics.ResultSkipped).Inc()
	s.m.log.Warn().Str("trader_id", dropped.traderID).Str("symbol", dropped.symbol).Msg("queue full, task shed")
}

func (s *scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		tk, ok := s.queue.pop()
		if !ok {
			return
		}
		s.execute(ctx, tk)
		metrics.QueueDepth.Set(float64(s.queue.len()))
	}
}

func (s *scheduler) execute(ctx context.Context, tk *task) {
	t := s.m.resident(tk.traderID)
	if t == nil || t.State() != StateRunning {
		s.batches.noteSkip(tk.batch)
		metrics.TasksTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		return
	}

	key := tk.traderID + ":" + tk.symbol
	sem := t.semaphore()

	s.tokenMu.Lock()
	if s.inflight[key] {
		s.parkedSym[key] = append(s.parkedSym[key], tk)
		s.tokenMu.Unlock()
		return
	}
	if sem != nil && !sem.TryAcquire(1) {
		s.parkedTr[tk.traderID] = append(s.parkedTr[tk.traderID], tk)
		s.tokenMu.Unlock()
		return
	}
	s.inflight[key] = true
	s.executing[tk.traderID]++
	s.tokenMu.Unlock()

	defer func() {
		if sem != nil {
			sem.Release(1)
		}
		s.tokenMu.Lock()
		delete(s.inflight, key)
		if s.executing[tk.traderID]--; s.executing[tk.traderID] <= 0 {
			delete(s.executing, tk.traderID)
		}
		unparked := s.takeParkedLocked(key, tk.traderID)
		s.tokenMu.Unlock()
		// requeue outside tokenMu: a shed task can finalize its batch,
		// which writes history
		for _, p := range unparked {
			s.enqueue(p)
		}
	}()

	out, err := s.m.runEvaluation(ctx, t, tk.symbol, tk.openTime)
	switch out {
	case outcomeMatched:
		s.batches.noteMatched(tk.batch)
	case outcomeNoMatch:
		s.batches.noteChecked(tk.batch)
	case outcomeSkipped:
		s.batches.noteSkip(tk.batch)
	case outcomeError:
		s.batches.noteError(tk.batch, err)
	}
}

// takeParkedLocked removes at most one task parked on this symbol slot and
// one parked on the trader's tokens. Caller holds tokenMu and requeues the
// returned tasks after unlocking.
func (s *scheduler) takeParkedLocked(key, traderID string) []*task {
	var out []*task
	if ps := s.parkedSym[key]; len(ps) > 0 {
		out = append(out, ps[0])
		if len(ps) == 1 {
			delete(s.parkedSym, key)
		} else {
			s.parkedSym[key] = ps[1:]
		}
	}
	if ws := s.parkedTr[traderID]; len(ws) > 0 {
		out = append(out, ws[0])
		if len(ws) == 1 {
			delete(s.parkedTr, traderID)
		} else {
			s.parkedTr[traderID] = ws[1:]
		}
	}
	return out
}

// cancelTrader purges the trader's queued and parked tasks. Executing tasks
// finish on their own; pair with waitIdle to drain.
func (s *scheduler) cancelTrader(id string) {
	removed := s.queue.removeTrader(id)

	s.tokenMu.Lock()
	prefix := id + ":"
	for key, list := range s.parkedSym {
		if strings.HasPrefix(key, prefix) {
			removed = append(removed, list...)
			delete(s.parkedSym, key)
		}
	}
	removed = append(removed, s.parkedTr[id]...)
	delete(s.parkedTr, id)
	s.tokenMu.Unlock()

	for _, tk := range removed {
		s.batches.noteSkip(tk.batch)
		metrics.TasksTotal.WithLabelValues(metrics.ResultSkipped).Inc()
	}
	metrics.QueueDepth.Set(float64(s.queue.len()))
}

func (s *scheduler) waitIdle(id string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		s.tokenMu.Lock()
		n := s.executing[id]
		s.tokenMu.Unlock()
		if n == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}
