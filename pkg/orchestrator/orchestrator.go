// Package orchestrator drives a provider node through its lifecycle and
// mediates every task from offer to settlement.
//
// All state transitions happen on the goroutine running Run (or Start, before
// Run). Execution of the single admitted task happens on a job goroutine that
// only reports its outcome back; the loop polls for it on every tick.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hyperion/pkg/metrics"
	"hyperion/pkg/proof"
	"hyperion/pkg/reporter"
	"hyperion/pkg/runtime"
	"hyperion/pkg/types"
)

var (
	// ErrFatalStartup means the node cannot enter the main loop.
	ErrFatalStartup  = errors.New("fatal startup error")
	ErrOfferRejected = errors.New("offer rejected")
	ErrNotStarted    = errors.New("orchestrator not started")
)

type Reason string

const (
	ReasonBusy         Reason = "node busy"
	ReasonCapacity     Reason = "insufficient capacity"
	ReasonUntrusted    Reason = "environment not trusted"
	ReasonShuttingDown Reason = "shutting down"
	ReasonInvalid      Reason = "invalid offer"
)

var reasonDecision = map[Reason]string{
	ReasonBusy:         metrics.DecisionBusy,
	ReasonCapacity:     metrics.DecisionCapacity,
	ReasonUntrusted:    metrics.DecisionUntrust,
	ReasonShuttingDown: metrics.DecisionShutdown,
	ReasonInvalid:      metrics.DecisionInvalid,
}

// RejectionError describes why an offer was not admitted.
type RejectionError struct {
	TaskID string
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("offer %s rejected: %s", e.TaskID, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *RejectionError) Unwrap() error { return ErrOfferRejected }

// Syncer performs the one-time state sync before the node goes online.
type Syncer interface {
	Sync(ctx context.Context) error
}

// OfferSource delivers inbound task offers. A closed channel means the
// source is gone; the node keeps running without it.
type OfferSource interface {
	Offers() <-chan types.Task
}

type Config struct {
	NodeID   string
	Hardware types.HardwareCapability

	Tick          time.Duration
	Heartbeat     time.Duration
	Report        time.Duration
	ReportTimeout time.Duration
	// Grace bounds waiting for the abandoned task and the final report.
	// Cleanup and the abandoned settlement still run once Grace is spent,
	// each within ReportTimeout, so shutdown takes at most
	// Grace + 2*ReportTimeout.
	Grace time.Duration
	// ExecutionTimeout bounds a single task, zero means unbounded.
	ExecutionTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 5 * time.Second
	}
	if c.Report <= 0 {
		c.Report = 30 * time.Second
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 3 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
}

type Deps struct {
	Runtime  runtime.Runtime
	Proof    proof.Engine
	Reporter reporter.Reporter
	Syncer   Syncer
	Offers   OfferSource
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

type Orchestrator struct {
	cfg      Config
	runtime  runtime.Runtime
	proof    proof.Engine
	reporter reporter.Reporter
	syncer   Syncer
	offers   OfferSource
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	// view is what concurrent readers see; only the loop writes it.
	mu   sync.RWMutex
	view view

	job     *job
	submit  chan offerRequest
	stopped chan struct{}
}

type view struct {
	state   types.NodeState
	trusted bool
	since   time.Time
	claimGB int
}

type job struct {
	task     types.Task
	cancel   context.CancelFunc
	done     chan outcome
	accepted time.Time
}

type stage string

const (
	stageInit    stage = "init"
	stagePrepare stage = "prepare"
	stageExecute stage = "execute"
	stageCertify stage = "certify"
)

type outcome struct {
	result types.ExecutionResult
	proof  types.Proof
	err    error
	stage  stage
}

type offerRequest struct {
	task  types.Task
	reply chan error
}

func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Runtime == nil || deps.Proof == nil || deps.Reporter == nil || deps.Syncer == nil {
		return nil, fmt.Errorf("orchestrator requires a runtime, proof engine, reporter and syncer")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("orchestrator requires a node id")
	}
	cfg.setDefaults()
	return &Orchestrator{
		cfg:      cfg,
		runtime:  deps.Runtime,
		proof:    deps.Proof,
		reporter: deps.Reporter,
		syncer:   deps.Syncer,
		offers:   deps.Offers,
		metrics:  deps.Metrics,
		logger:   logger.Named("orchestrator"),
		now:      time.Now,
		view:     view{state: types.StateInit()},
		submit:   make(chan offerRequest),
		stopped:  make(chan struct{}),
	}, nil
}

// State returns a copy of the current node state.
func (o *Orchestrator) State() types.NodeState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.view.state
}

// Trusted reports the outcome of the environment integrity check.
func (o *Orchestrator) Trusted() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.view.trusted
}

// Heartbeat renders a diagnostic line for the current state.
func (o *Orchestrator) Heartbeat() string {
	o.mu.RLock()
	v := o.view
	o.mu.RUnlock()

	switch v.state.Phase {
	case types.PhaseIdle:
		if !v.trusted {
			return fmt.Sprintf("online (untrusted, refusing offers) | vram free: %dGB", o.cfg.Hardware.VRAMGB)
		}
		return fmt.Sprintf("online | vram free: %dGB", o.cfg.Hardware.VRAMGB)
	case types.PhaseComputing:
		return fmt.Sprintf("computing (task: %s) | vram claimed: %dGB of %dGB | elapsed: %s",
			v.state.TaskID, v.claimGB, o.cfg.Hardware.VRAMGB, o.now().Sub(v.since).Round(time.Second))
	case types.PhaseSyncing:
		return "syncing state"
	default:
		return "offline"
	}
}

func (o *Orchestrator) setState(s types.NodeState, claimGB int) {
	o.mu.Lock()
	o.view.state = s
	o.view.since = o.now()
	o.view.claimGB = claimGB
	o.mu.Unlock()
	o.metrics.SetState(s)
	o.logger.Debug("state transition", zap.Stringer("state", s))
}

// Start syncs the node and checks environment integrity. Sync failure is
// fatal; an untrusted environment is not, the node just refuses offers.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.State().Phase != types.PhaseInit {
		return fmt.Errorf("orchestrator already started")
	}
	o.setState(types.StateSyncing(), 0)
	o.report(ctx, false)

	start := o.now()
	if err := o.syncer.Sync(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: state sync: %v", ErrFatalStartup, err)
	}

	trusted := o.proof.VerifyEnvironmentIntegrity(ctx)
	o.mu.Lock()
	o.view.trusted = trusted
	o.mu.Unlock()
	o.setState(types.StateIdle(), 0)

	o.logger.Info("state sync complete", zap.Duration("took", o.now().Sub(start)))
	if trusted {
		o.logger.Info("environment integrity verified", zap.String("proof", o.proof.Name()))
	} else {
		o.logger.Error("environment integrity check failed, refusing all offers", zap.String("proof", o.proof.Name()))
	}
	o.report(ctx, false)
	return nil
}

// Run is the main loop. It returns nil once ctx is cancelled and shutdown
// has completed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.State().Phase != types.PhaseIdle {
		return ErrNotStarted
	}
	defer close(o.stopped)

	tick := time.NewTicker(o.cfg.Tick)
	defer tick.Stop()
	heartbeat := time.NewTicker(o.cfg.Heartbeat)
	defer heartbeat.Stop()
	reportTick := time.NewTicker(o.cfg.Report)
	defer reportTick.Stop()

	var offers <-chan types.Task
	if o.offers != nil {
		offers = o.offers.Offers()
	}

	o.logger.Info("main loop started",
		zap.Duration("tick", o.cfg.Tick),
		zap.Duration("heartbeat", o.cfg.Heartbeat),
		zap.Duration("report", o.cfg.Report))

	for {
		if ctx.Err() != nil {
			o.shutdown()
			return nil
		}
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-tick.C:
			o.poll(ctx)
		case <-heartbeat.C:
			o.logger.Info("heartbeat: " + o.Heartbeat())
		case <-reportTick.C:
			o.report(ctx, false)
		case task, ok := <-offers:
			if !ok {
				o.logger.Warn("offer source closed")
				offers = nil
				continue
			}
			_ = o.admit(ctx, task)
		case req := <-o.submit:
			req.reply <- o.admit(ctx, req.task)
		}
	}
}

// Offer submits a task to the running loop and returns the admission
// decision. A nil error means the task was accepted.
func (o *Orchestrator) Offer(ctx context.Context, task types.Task) error {
	req := offerRequest{task: task, reply: make(chan error, 1)}
	select {
	case o.submit <- req:
	case <-o.stopped:
		return &RejectionError{TaskID: task.ID, Reason: ReasonShuttingDown}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) admit(ctx context.Context, task types.Task) error {
	var rej *RejectionError
	switch {
	case ctx.Err() != nil:
		rej = &RejectionError{TaskID: task.ID, Reason: ReasonShuttingDown}
	case task.Validate() != nil:
		rej = &RejectionError{TaskID: task.ID, Reason: ReasonInvalid, Detail: task.Validate().Error()}
	case !o.Trusted():
		rej = &RejectionError{TaskID: task.ID, Reason: ReasonUntrusted}
	case o.job != nil:
		rej = &RejectionError{TaskID: task.ID, Reason: ReasonBusy, Detail: "computing " + o.job.task.ID}
	case !task.Requirements.FitsWithin(o.cfg.Hardware):
		rej = &RejectionError{TaskID: task.ID, Reason: ReasonCapacity,
			Detail: fmt.Sprintf("requires %dGB, have %dGB", task.Requirements.MemoryGB, o.cfg.Hardware.VRAMGB)}
	}
	if rej != nil {
		o.metrics.Offer(reasonDecision[rej.Reason])
		o.logger.Info("offer rejected",
			zap.String("task", task.ID),
			zap.String("reason", string(rej.Reason)),
			zap.String("detail", rej.Detail))
		return rej
	}

	o.metrics.Offer(metrics.DecisionAccepted)
	o.logger.Info("task accepted",
		zap.String("task", task.ID),
		zap.String("kind", task.Kind),
		zap.String("image", task.Image),
		zap.Int("memory_gb", task.Requirements.MemoryGB))

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if o.cfg.ExecutionTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	j := &job{task: task, cancel: cancel, done: make(chan outcome, 1), accepted: o.now()}
	o.job = j
	o.setState(types.StateComputing(task.ID), task.Requirements.MemoryGB)
	go o.execute(jobCtx, j)
	o.report(ctx, false)
	return nil
}

// execute runs on the job goroutine and must not touch orchestrator state.
func (o *Orchestrator) execute(ctx context.Context, j *job) {
	var out outcome
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("%w: panic: %v", runtime.ErrExecution, r), stage: stageExecute}
		}
		j.done <- out
	}()

	id := j.task.ID
	if err := o.runtime.Init(ctx); err != nil {
		out = outcome{err: err, stage: stageInit}
		return
	}
	artifact, err := o.runtime.PrepareImage(ctx, j.task.Image)
	if err != nil {
		out = outcome{err: err, stage: stagePrepare}
		return
	}
	result, err := o.runtime.Execute(ctx, id, artifact, j.task.Command)
	if err != nil {
		out = outcome{err: err, stage: stageExecute}
		return
	}
	p, err := o.proof.GenerateProof(ctx, id, result)
	if err != nil {
		out = outcome{result: result, err: err, stage: stageCertify}
		return
	}
	out = outcome{result: result, proof: p}
}

// poll leaves a job that ends after cancellation to shutdown, which owns
// the abandoned settlement.
func (o *Orchestrator) poll(ctx context.Context) {
	if o.job == nil || ctx.Err() != nil {
		return
	}
	select {
	case out := <-o.job.done:
		o.finish(ctx, out)
	default:
		o.logger.Debug("task in progress",
			zap.String("task", o.job.task.ID),
			zap.Duration("elapsed", o.now().Sub(o.job.accepted).Round(time.Millisecond)))
	}
}

func (o *Orchestrator) finish(ctx context.Context, out outcome) {
	j := o.job
	j.cancel()
	// Reports for a finished task must not inherit cancellation of the loop.
	ctx = context.WithoutCancel(ctx)

	s := types.Settlement{
		TaskID:     j.task.ID,
		NodeID:     o.cfg.NodeID,
		FinishedAt: o.now(),
	}
	if out.err == nil {
		s.Outcome = types.OutcomeSettled
		s.Proof = out.proof
		s.ResultDigest = out.result.Digest
		o.logger.Info("task settled",
			zap.String("task", j.task.ID),
			zap.String("proof", string(out.proof.Kind())),
			zap.Duration("took", s.FinishedAt.Sub(j.accepted)))
	} else {
		s.Outcome = types.OutcomeFailed
		s.Error = out.err.Error()
		o.logger.Warn("task failed",
			zap.String("task", j.task.ID),
			zap.String("stage", string(out.stage)),
			zap.Error(out.err))
	}

	o.settle(ctx, s)
	o.cleanup(ctx, j.task.ID)
	o.job = nil
	o.metrics.TaskFinished(s.Outcome, s.FinishedAt.Sub(j.accepted))
	o.setState(types.StateIdle(), 0)
	o.report(ctx, false)
}

func (o *Orchestrator) shutdown() {
	o.logger.Info("termination requested, no longer accepting offers")
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Grace)
	defer cancel()

	if j := o.job; j != nil {
		o.logger.Warn("abandoning in-flight task", zap.String("task", j.task.ID))
		j.cancel()
		var (
			out      outcome
			finished bool
		)
		select {
		case out = <-j.done:
			finished = true
		case <-ctx.Done():
			o.logger.Warn("task did not stop within grace period", zap.String("task", j.task.ID))
		}
		o.cleanup(ctx, j.task.ID)

		s := types.Settlement{
			TaskID:     j.task.ID,
			NodeID:     o.cfg.NodeID,
			Outcome:    types.OutcomeFailed,
			Error:      "abandoned: node shutting down",
			FinishedAt: o.now(),
		}
		if finished && out.err == nil {
			// Completed and certified before the loop observed it.
			s.Outcome, s.Error = types.OutcomeSettled, ""
			s.Proof, s.ResultDigest = out.proof, out.result.Digest
		}
		o.settle(ctx, s)
		o.metrics.TaskFinished(s.Outcome, s.FinishedAt.Sub(j.accepted))
		o.job = nil
		o.setState(types.StateIdle(), 0)
	}

	if ctx.Err() != nil {
		o.logger.Warn("grace period exhausted, skipping final status report")
		return
	}
	o.report(ctx, true)
	o.logger.Info("shutdown complete")
}

// cleanup is the single release point for task resources. Errors are logged
// and never change the task outcome.
func (o *Orchestrator) cleanup(ctx context.Context, taskID string) {
	cctx, cancel := o.bounded(ctx)
	defer cancel()
	if err := o.runtime.Cleanup(cctx, taskID); err != nil {
		o.logger.Warn("cleanup failed", zap.String("task", taskID), zap.Error(err))
	}
}

func (o *Orchestrator) snapshot(offline bool) types.StatusSnapshot {
	return types.StatusSnapshot{
		NodeID:    o.cfg.NodeID,
		State:     o.State(),
		Hardware:  o.cfg.Hardware,
		Timestamp: o.now(),
		Offline:   offline,
	}
}

func (o *Orchestrator) report(ctx context.Context, offline bool) {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.ReportTimeout)
	defer cancel()
	snap := o.snapshot(offline)
	if err := o.reporter.Report(rctx, snap); err != nil {
		o.metrics.ReportFailed()
		o.logger.Warn("status report failed", zap.String("status", string(snap.Status())), zap.Error(err))
	}
}

// bounded limits ctx to ReportTimeout. An already expired ctx is replaced so
// that cleanup and settlements still get their own ReportTimeout.
func (o *Orchestrator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.ReportTimeout)
}

func (o *Orchestrator) settle(ctx context.Context, s types.Settlement) {
	rctx, cancel := o.bounded(ctx)
	defer cancel()
	if err := o.reporter.Settle(rctx, s); err != nil {
		o.metrics.ReportFailed()
		o.logger.Warn("settlement report failed", zap.String("task", s.TaskID), zap.Error(err))
	}
}
