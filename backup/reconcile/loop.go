package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaybackup/engine/backup/store"
)

// BatchLimit is the number of tasks claimed per tick.
const BatchLimit = 50

// RunningTTL is the window after which a task left `running` is
// considered stuck and recovered (§4.8).
const RunningTTL = 30 * time.Minute

// MaxSleep bounds how long a loop waits between ticks even when no
// task is due soon, so a newly-enqueued candidate is never starved
// for more than this long.
const MaxSleep = 60 * time.Second

// Processor processes one claimed task, returning the outcome the
// Loop applies to the task row (retry/blocked/done/abandoned).
type Processor interface {
	// Process executes one task and reports its outcome. now is the
	// tick's wall-clock time, passed through to keep backoff
	// computations deterministic within a tick.
	Process(ctx context.Context, task store.Task, now time.Time) Outcome
	// ReconcileCandidates discovers and upserts new queued tasks
	// (e.g. runs past a cutoff with no complete.json) ahead of each
	// claim; kind-specific, a no-op for loops with nothing to
	// discover beyond what callers already enqueue directly.
	ReconcileCandidates(ctx context.Context, now time.Time) error
}

// Outcome is what a Processor decided about one task.
type Outcome struct {
	Status    store.TaskStatus
	ErrorKind string
	Error     string
	Reason    string // used for abandoned/canceled
}

// Loop is the shared claim/process/sleep shape every reconciler runs
// (§4.8):
//
//	loop:
//	  now = unix_time()
//	  recover_stuck_running(db, now)
//	  claim_batch(db, now, BATCH_LIMIT) -> for task in batch: process(task, now)
//	  sleep = min(next_due_at - now, MAX_SLEEP_SECS)
//	  wait(sleep | notify | shutdown)
type Loop struct {
	Name      string
	Tasks     store.TaskStore
	Processor Processor
	Log       *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	notify  chan struct{}
}

// NewLoop builds a Loop. notify is buffered size 1 so Wake never
// blocks the caller.
func NewLoop(name string, tasks store.TaskStore, processor Processor, log *logrus.Logger) *Loop {
	return &Loop{Name: name, Tasks: tasks, Processor: processor, Log: log, notify: make(chan struct{}, 1)}
}

// Wake nudges the loop to run its next tick immediately instead of
// waiting out its current sleep, used when a caller enqueues a new
// task candidate out of band.
func (l *Loop) Wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Start begins the loop's background goroutine. An immediate tick
// runs before the first sleep so freshly-enqueued tasks don't wait a
// full interval.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(runCtx)
	}()
}

// Stop cancels the loop and waits for its current task to commit or
// roll back before returning (§5 "Cancellation").
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	l.running = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		sleep := l.tick(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (l *Loop) tick(ctx context.Context) time.Duration {
	now := time.Now().UTC()

	if err := l.Processor.ReconcileCandidates(ctx, now); err != nil {
		l.Log.WithField("loop", l.Name).WithError(err).Warn("reconcile candidates failed")
	}

	if recovered, err := l.Tasks.RecoverStuckRunning(ctx, now.Add(-RunningTTL)); err != nil {
		l.Log.WithField("loop", l.Name).WithError(err).Warn("recover stuck running failed")
	} else if recovered > 0 {
		l.Log.WithField("loop", l.Name).WithField("count", recovered).Info("recovered stuck running tasks")
	}

	batch, err := l.Tasks.ClaimBatch(ctx, now, BatchLimit)
	if err != nil {
		l.Log.WithField("loop", l.Name).WithError(err).Error("claim batch failed")
		return MaxSleep
	}
	for _, task := range batch {
		if ctx.Err() != nil {
			break
		}
		l.processOne(ctx, task, now)
	}

	dueAt, ok, err := l.Tasks.NextDueAt(ctx)
	if err != nil || !ok {
		return MaxSleep
	}
	sleep := dueAt.Sub(time.Now().UTC())
	if sleep <= 0 {
		return 0
	}
	if sleep > MaxSleep {
		sleep = MaxSleep
	}
	return sleep
}

func (l *Loop) processOne(ctx context.Context, task store.Task, now time.Time) {
	outcome := l.Processor.Process(ctx, task, now)
	var err error
	switch outcome.Status {
	case store.TaskDone:
		err = l.Tasks.MarkDone(ctx, task.RunID)
	case store.TaskAbandoned:
		err = l.Tasks.MarkAbandoned(ctx, task.RunID, outcome.Reason)
	case store.TaskCanceled:
		err = l.Tasks.MarkCanceled(ctx, task.RunID, outcome.Reason)
	case store.TaskBlocked:
		delay := Delay(ParamsFor(errKindOf(outcome.ErrorKind)), task.RunID, task.Attempts)
		err = l.Tasks.MarkBlocked(ctx, task.RunID, now.Add(delay), outcome.ErrorKind, outcome.Error)
	default:
		if Abandoned(task.Attempts, task.CreatedAt, now) {
			err = l.Tasks.MarkAbandoned(ctx, task.RunID, "attempts or age limit exceeded")
			break
		}
		delay := Delay(ParamsFor(errKindOf(outcome.ErrorKind)), task.RunID, task.Attempts)
		err = l.Tasks.MarkRetrying(ctx, task.RunID, now.Add(delay), outcome.ErrorKind, outcome.Error)
	}
	if err != nil {
		l.Log.WithField("loop", l.Name).WithField("run_id", task.RunID).WithError(err).Error("updating task status failed")
	}
}
