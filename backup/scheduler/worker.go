package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaybackup/engine/backup/events"
	"github.com/relaybackup/engine/backup/store"
	"github.com/relaybackup/engine/internal/errkind"
)

// RunResult is what a LocalExecutor or AgentDispatcher reports back
// for one run.
type RunResult struct {
	Status    store.RunStatus // Success or Failed
	Summary   json.RawMessage
	Error     string
	ErrorCode string
}

// LocalExecutor runs the appropriate pipeline (filesystem / sqlite /
// vaultwarden) for a job with no agent_id and uploads the result
// (§4.7 "Local execution").
type LocalExecutor interface {
	Execute(ctx context.Context, job store.Job, run store.Run) RunResult
}

// AgentDispatcher hands a run to a connected agent and blocks until
// the run leaves `running` or the 24-hour deadline triggers timeout
// (§4.7 "Agent dispatch").
type AgentDispatcher interface {
	// IsConnected reports whether agentID currently holds an open
	// control-plane connection.
	IsConnected(agentID string) bool
	// Dispatch persists the agent_tasks row (idempotent on run_id)
	// and sends the task; it does not itself wait for completion —
	// Worker polls the run row separately so a hub restart mid-poll
	// does not lose the run.
	Dispatch(ctx context.Context, agentID string, job store.Job, run store.Run) error
}

// AgentPollInterval is how often the worker re-reads a dispatched
// run's row while waiting for it to leave `running` (§5: "subscriber
// status polls every 3 seconds").
const AgentPollInterval = 3 * time.Second

// AgentDispatchDeadline is the hard ceiling on an agent-dispatched
// run before the worker marks it timed out (§5, §4.7).
const AgentDispatchDeadline = 24 * time.Hour

// Worker is the single-consumer claim loop (§4.7, §5 "The worker loop
// is single-consumer").
type Worker struct {
	Runs     store.RunStore
	Jobs     store.JobStore
	Bus      *events.Bus
	Local    LocalExecutor
	Agent    AgentDispatcher
	Log      *logrus.Logger
	NodeID   string
	Interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewWorker builds a Worker polling every interval (default 1s when
// zero).
func NewWorker(runs store.RunStore, jobs store.JobStore, bus *events.Bus, local LocalExecutor, agent AgentDispatcher, log *logrus.Logger, nodeID string, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{Runs: runs, Jobs: jobs, Bus: bus, Local: local, Agent: agent, Log: log, NodeID: nodeID, Interval: interval}
}

// Start begins the polling loop, including an immediate first tick.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.tick(runCtx)
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.tick(runCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight claim (if any) to
// finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.running = false
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Worker) tick(ctx context.Context) {
	run, ok, err := w.Runs.ClaimNextQueuedRun(ctx)
	if err != nil {
		w.Log.WithError(err).Error("claiming next queued run failed")
		return
	}
	if !ok {
		return
	}
	w.processRun(ctx, run)
}

func (w *Worker) processRun(ctx context.Context, run store.Run) {
	log := w.Log.WithField("run_id", run.ID).WithField("job_id", run.JobID)
	w.emit(ctx, run.ID, events.LevelInfo, "run_started", "run claimed by worker")

	job, err := w.Jobs.GetJob(ctx, run.JobID)
	if err != nil {
		w.fail(ctx, run.ID, "loading job failed", string(errkind.Config), err)
		return
	}

	var result RunResult
	if job.AgentID != nil && *job.AgentID != "" {
		result = w.runOnAgent(ctx, job, run)
	} else {
		result = w.Local.Execute(ctx, job, run)
	}

	errPtr := (*string)(nil)
	if result.Error != "" {
		errPtr = &result.Error
	}
	codePtr := (*string)(nil)
	if result.ErrorCode != "" {
		codePtr = &result.ErrorCode
	}
	if err := w.Runs.FinishRun(ctx, run.ID, result.Status, result.Summary, errPtr, codePtr); err != nil {
		log.WithError(err).Error("finishing run failed")
		return
	}

	level := events.LevelInfo
	if result.Status != store.RunSuccess {
		level = events.LevelError
	}
	w.emit(ctx, run.ID, level, "run_finished", fmt.Sprintf("run finished: %s", result.Status))
}

func (w *Worker) runOnAgent(ctx context.Context, job store.Job, run store.Run) RunResult {
	if !w.Agent.IsConnected(*job.AgentID) {
		return RunResult{Status: store.RunFailed, Error: "agent not connected", ErrorCode: string(errkind.AgentFailed)}
	}
	if err := w.Agent.Dispatch(ctx, *job.AgentID, job, run); err != nil {
		return RunResult{Status: store.RunFailed, Error: err.Error(), ErrorCode: string(errkind.Classify(err, 0))}
	}

	deadline := run.StartedAt.Add(AgentDispatchDeadline)
	ticker := time.NewTicker(AgentPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return RunResult{Status: store.RunFailed, Error: "worker shutting down", ErrorCode: string(errkind.Unknown)}
		case <-ticker.C:
			current, err := w.Runs.GetRun(ctx, run.ID)
			if err != nil {
				continue
			}
			if current.Status.Terminal() {
				// The agent's TaskResult control-plane message
				// already transitioned the run; the worker just
				// observes and releases (§4.7).
				return RunResult{Status: current.Status}
			}
			if time.Now().UTC().After(deadline) {
				return RunResult{Status: store.RunFailed, Error: "agent dispatch deadline exceeded", ErrorCode: string(errkind.Timeout)}
			}
		}
	}
}

func (w *Worker) fail(ctx context.Context, runID, message, code string, cause error) {
	msg := message
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", message, cause)
	}
	_ = w.Runs.FinishRun(ctx, runID, store.RunFailed, nil, &msg, &code)
	w.emit(ctx, runID, events.LevelError, "run_failed", msg)
}

func (w *Worker) emit(ctx context.Context, runID string, level events.Level, kind, message string) {
	if w.Bus == nil {
		return
	}
	if _, err := w.Bus.AppendAndBroadcast(ctx, runID, level, kind, message, nil); err != nil {
		w.Log.WithField("run_id", runID).WithError(err).Warn("appending run event failed")
	}
}
