package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/clients"
	"github.com/deckflow/backend/internal/config"
	"github.com/deckflow/backend/internal/logger"
	"github.com/deckflow/backend/internal/models"
	"github.com/deckflow/backend/internal/statestore"
	"github.com/deckflow/backend/internal/storage"
	"github.com/deckflow/backend/internal/stream"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// InterruptedMessage is recorded on runs that did not finish before the process stopped.
const InterruptedMessage = "interrupted: the server stopped before this analysis finished"

const maxJobKeyLength = 128

// Current step labels.
const (
	StepLabelQueued     = "queued"
	StepLabelExtracting = "extracting text"
	StepLabelFacts      = "extracting quick facts"
	StepLabelMemo       = "writing memo"
	StepLabelCompleted  = "completed"
	StepLabelFailed     = "failed"
)

// Pipeline bundles the external adapters a run calls.
type Pipeline struct {
	Extraction clients.ExtractionClient
	QuickFacts clients.QuickFactsClient
	Synthesis  clients.SynthesisClient
}

// Timeouts bound a single adapter invocation.
type Timeouts struct {
	Extraction time.Duration
	QuickFacts time.Duration
	Synthesis  time.Duration
}

// Orchestrator drives analyses from pending to a terminal status. Every
// analysis it creates or claims carries its instance ID and a lease it keeps
// renewing, so several processes can share one database.
type Orchestrator struct {
	store      *statestore.Store
	documents  storage.DocumentStore
	pipeline   Pipeline
	cfg        config.PipelineConfig
	timeouts   Timeouts
	sem        *semaphore.Weighted
	now        func() time.Time
	instanceID string
	leaseTTL   time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closing bool
	active  map[string]struct{}
}

// NewOrchestrator creates an orchestrator. Runs are bound to its own lifetime,
// never to the request that submitted them.
func NewOrchestrator(store *statestore.Store, documents storage.DocumentStore, pipeline Pipeline, cfg config.PipelineConfig, timeouts Timeouts) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	limit := cfg.MaxConcurrentRuns
	if limit <= 0 {
		limit = 1
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	o := &Orchestrator{
		store:      store,
		documents:  documents,
		pipeline:   pipeline,
		cfg:        cfg,
		timeouts:   timeouts,
		sem:        semaphore.NewWeighted(limit),
		now:        time.Now,
		instanceID: uuid.NewString(),
		leaseTTL:   leaseTTL,
		baseCtx:    ctx,
		cancel:     cancel,
		active:     make(map[string]struct{}),
	}
	go o.maintainLeases()
	return o
}

// InstanceID identifies this orchestrator as the owner of the analyses it runs.
func (o *Orchestrator) InstanceID() string { return o.instanceID }

func (o *Orchestrator) leaseUntil() *time.Time {
	t := o.now().Add(o.leaseTTL)
	return &t
}

// maintainLeases renews this instance's leases and sweeps analyses whose owner
// stopped renewing, until the orchestrator is cancelled.
func (o *Orchestrator) maintainLeases() {
	ticker := time.NewTicker(o.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
			if _, err := o.store.RenewLeases(o.baseCtx, o.instanceID, *o.leaseUntil()); err != nil {
				logger.Warn("Failed to renew analysis leases", map[string]interface{}{
					"instance_id": o.instanceID,
					"error":       err.Error(),
				})
			}
			if _, err := o.RecoverInterrupted(o.baseCtx); err != nil && o.baseCtx.Err() == nil {
				logger.Warn("Interrupted analysis sweep failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Submit validates a request, records a pending analysis and starts its run in
// the background. The returned subscription is attached before the run starts,
// so it observes every event; cancelling it never stops the run.
func (o *Orchestrator) Submit(ctx context.Context, userID uint, jobKey, documentID string) (*models.Analysis, *stream.Subscription, error) {
	jobKey = strings.TrimSpace(jobKey)
	documentID = strings.TrimSpace(documentID)
	switch {
	case jobKey == "":
		return nil, nil, apperrors.Validation("jobKey is required")
	case len(jobKey) > maxJobKeyLength:
		return nil, nil, apperrors.Validation(fmt.Sprintf("jobKey must be at most %d characters", maxJobKeyLength))
	case documentID == "":
		return nil, nil, apperrors.Validation("documentRef is required")
	}

	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if doc.UserID != userID {
		return nil, nil, apperrors.Authorization("document belongs to another user")
	}

	a := &models.Analysis{
		JobKey:         jobKey,
		DocumentID:     doc.ID,
		UserID:         userID,
		OwnerID:        o.instanceID,
		LeaseExpiresAt: o.leaseUntil(),
	}
	if err := o.store.CreateAnalysis(ctx, a); err != nil {
		return nil, nil, err
	}

	logger.Info("Analysis submitted", map[string]interface{}{
		"analysis_id": a.ID,
		"job_key":     a.JobKey,
		"document_id": doc.ID,
		"user_id":     userID,
	})

	events := stream.NewBroadcaster()
	sub := events.Subscribe()
	o.start(a, events)
	return a, sub, nil
}

func (o *Orchestrator) start(a *models.Analysis, events *stream.Broadcaster) {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		o.abandon(a, events)
		return
	}
	o.wg.Add(1)
	o.active[a.ID] = struct{}{}
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.active, a.ID)
			o.mu.Unlock()
		}()

		if err := o.sem.Acquire(o.baseCtx, 1); err != nil {
			o.abandon(a, events)
			return
		}
		defer o.sem.Release(1)

		if err := o.Run(o.baseCtx, a.ID, events); err != nil {
			logger.WithAnalysis(a.ID, a.JobKey).WithError(err).Warn("Analysis run ended with error")
		}
	}()
}

// abandon fails an analysis that never got to run.
func (o *Orchestrator) abandon(a *models.Analysis, events *stream.Broadcaster) {
	defer events.Close()
	_, err := o.store.Apply(context.Background(), a.ID, statestore.Patch{
		Status:       ptr(models.AnalysisStatusFailed),
		CurrentStep:  ptr(StepLabelFailed),
		ErrorMessage: ptr(InterruptedMessage),
	})
	if err != nil && !errors.Is(err, statestore.ErrRejected) {
		logger.WithAnalysis(a.ID, a.JobKey).WithError(err).Error("Failed to record abandoned analysis")
	}
	events.Publish(stream.Error(InterruptedMessage))
}

// Run executes the pipeline for a pending analysis and closes events when done.
// It returns a Conflict error without side effects when the analysis is not pending.
func (o *Orchestrator) Run(ctx context.Context, analysisID string, events *stream.Broadcaster) error {
	defer events.Close()

	r := &run{o: o, id: analysisID, events: events, log: logger.WithAnalysis(analysisID, "")}
	a, err := r.apply(ctx, statestore.Patch{
		Status:      ptr(models.AnalysisStatusProcessing),
		Progress:    ptr(ProgressClaimed),
		CurrentStep: ptr(StepLabelExtracting),
		Owner:       &o.instanceID,
	})
	if errors.Is(err, statestore.ErrRejected) {
		return apperrors.Conflict("analysis is not pending")
	}
	if err != nil {
		return r.fail(ctx, models.StepExtraction, err)
	}

	r.log = logger.WithAnalysis(a.ID, a.JobKey)
	r.log.Info("Analysis started")
	return r.execute(clients.WithAnalysisID(ctx, a.ID), a)
}

// RecoverInterrupted fails every non-terminal analysis whose lease has expired,
// meaning the process running it stopped without finishing. Analyses held by a
// live process, this one or another sharing the database, are left alone.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	now := o.now()
	expired, err := o.store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired analyses: %w", err)
	}

	recovered := 0
	for _, a := range expired {
		_, err := o.store.Apply(ctx, a.ID, statestore.Patch{
			Status:         ptr(models.AnalysisStatusFailed),
			CurrentStep:    ptr(StepLabelFailed),
			ErrorMessage:   ptr(InterruptedMessage),
			LeaseExpiredBy: &now,
		})
		if errors.Is(err, statestore.ErrRejected) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		logger.Warn("Marked interrupted analyses as failed", map[string]interface{}{"count": recovered})
	}
	return recovered, nil
}

// ActiveRuns returns the number of runs started and not yet finished.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown stops accepting runs and waits for in-flight ones. Runs still going
// after DrainTimeout (or when ctx ends) are cancelled and recorded as interrupted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var drain <-chan time.Time
	if o.cfg.DrainTimeout > 0 {
		t := time.NewTimer(o.cfg.DrainTimeout)
		defer t.Stop()
		drain = t.C
	}

	select {
	case <-done:
		o.cancel()
		return nil
	case <-drain:
	case <-ctx.Done():
	}

	logger.Warn("Cancelling unfinished analyses", map[string]interface{}{"active": o.ActiveRuns()})
	o.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) policy(attempts int) clients.RetryPolicy {
	return clients.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   o.cfg.BaseDelay,
		MaxDelay:    o.cfg.MaxDelay,
	}
}

// run is the state of one pipeline execution.
type run struct {
	o      *Orchestrator
	id     string
	events *stream.Broadcaster
	log    *logrus.Entry

	// mu serializes writes so feed publication order matches commit order.
	mu sync.Mutex
}

// apply writes p and extends the run's lease.
func (r *run) apply(ctx context.Context, p statestore.Patch) (*models.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.LeaseUntil = r.o.leaseUntil()
	return r.o.store.Apply(ctx, r.id, p)
}

func (r *run) execute(ctx context.Context, a *models.Analysis) error {
	o := r.o
	started := o.now()

	text, err := r.extract(ctx, a)
	if err != nil {
		return r.fail(ctx, models.StepExtraction, err)
	}
	if _, err := r.apply(ctx, statestore.Patch{
		Progress:    ptr(ProgressExtracted),
		CurrentStep: ptr(StepLabelFacts),
	}); err != nil {
		return r.fail(ctx, models.StepExtraction, err)
	}

	var (
		facts *models.QuickFacts
		syn   clients.Result[clients.Synthesis]
	)
	if o.cfg.OverlapQuickFacts {
		qctx, cancelFacts := context.WithCancel(ctx)
		var g errgroup.Group
		g.Go(func() error {
			f, err := r.quickFacts(qctx, text)
			facts = f
			return err
		})
		syn = r.synthesize(ctx, text, nil)
		if !syn.OK() {
			cancelFacts()
		}
		factsErr := g.Wait()
		cancelFacts()
		if !syn.OK() {
			return r.fail(ctx, models.StepSynthesis, syn.Err)
		}
		if factsErr != nil {
			return r.fail(ctx, models.StepQuickFacts, factsErr)
		}
	} else {
		facts, err = r.quickFacts(ctx, text)
		if err != nil {
			return r.fail(ctx, models.StepQuickFacts, err)
		}
		if facts == nil {
			if _, err := r.apply(ctx, statestore.Patch{
				Progress:    ptr(ProgressFactsReady),
				CurrentStep: ptr(StepLabelMemo),
			}); err != nil {
				return r.fail(ctx, models.StepQuickFacts, err)
			}
		}
		syn = r.synthesize(ctx, text, facts)
		if !syn.OK() {
			return r.fail(ctx, models.StepSynthesis, syn.Err)
		}
	}

	result, err := json.Marshal(models.MemoResult{
		Text:           syn.Value.Text,
		Provider:       syn.Value.Provider,
		Model:          syn.Value.Model,
		Chunks:         syn.Value.Chunks,
		Characters:     len(syn.Value.Text),
		DurationMs:     o.now().Sub(started).Milliseconds(),
		QuickFactsUsed: facts != nil && !o.cfg.OverlapQuickFacts,
		GeneratedAt:    o.now().UTC(),
	})
	if err != nil {
		return r.fail(ctx, models.StepSynthesis, apperrors.Internal("encode result", err))
	}
	if _, err := r.apply(ctx, statestore.Patch{
		Status:      ptr(models.AnalysisStatusCompleted),
		Progress:    ptr(ProgressCompleted),
		CurrentStep: ptr(StepLabelCompleted),
		Result:      result,
	}); err != nil {
		return r.fail(ctx, models.StepSynthesis, err)
	}

	r.events.Publish(stream.Message("Analysis complete"))
	r.log.WithFields(logrus.Fields{
		"chunks":      syn.Value.Chunks,
		"characters":  len(syn.Value.Text),
		"duration_ms": o.now().Sub(started).Milliseconds(),
	}).Info("Analysis completed")
	return nil
}

func (r *run) extract(ctx context.Context, a *models.Analysis) (string, error) {
	o := r.o
	r.events.Publish(stream.Message("Extracting text from the deck"))

	doc, err := o.store.GetDocument(ctx, a.DocumentID)
	if err != nil {
		return "", err
	}
	data, err := o.documents.Get(ctx, doc.StoragePath)
	if err != nil {
		return "", err
	}

	input := map[string]interface{}{
		"documentId":  doc.ID,
		"contentType": doc.ContentType,
		"sizeBytes":   doc.SizeBytes,
		"pageCount":   doc.PageCount,
	}
	hooks := stepHooks(ctx, r, models.StepExtraction, input, func(e clients.Extraction) interface{} { return e })
	res := clients.Do(ctx, o.policy(o.cfg.MaxAttempts), hooks,
		func(ctx context.Context, attempt int) clients.Result[clients.Extraction] {
			return o.pipeline.Extraction.Invoke(ctx, clients.Document{
				Data:        data,
				ContentType: doc.ContentType,
				Filename:    doc.Filename,
			}, o.timeouts.Extraction)
		})
	if !res.OK() {
		return "", res.Err
	}

	if err := o.store.SaveExtractedText(ctx, doc.ID, res.Value.Text); err != nil {
		return "", err
	}
	r.events.Publish(stream.Message(fmt.Sprintf("Extracted %d pages", res.Value.Pages)))
	return res.Value.Text, nil
}

// quickFacts runs the non-fatal facts stage. It returns nil facts when the
// stage gave up, and an error only when recording its outcome failed.
func (r *run) quickFacts(ctx context.Context, text string) (*models.QuickFacts, error) {
	o := r.o
	hooks := stepHooks(ctx, r, models.StepQuickFacts,
		map[string]interface{}{"characters": len(text)},
		func(f models.QuickFacts) interface{} { return f })
	res := clients.Do(ctx, o.policy(o.cfg.QuickFactsAttempts), hooks,
		func(ctx context.Context, attempt int) clients.Result[models.QuickFacts] {
			return o.pipeline.QuickFacts.Invoke(ctx, text, o.timeouts.QuickFacts)
		})
	if !res.OK() {
		r.log.WithError(res.Err).Warn("Quick facts unavailable, continuing without them")
		r.events.Publish(stream.Message("Quick facts unavailable, continuing"))
		return nil, nil
	}

	raw, err := json.Marshal(res.Value)
	if err != nil {
		return nil, apperrors.Internal("encode quick facts", err)
	}
	if _, err := r.apply(ctx, statestore.Patch{
		Status:      ptr(models.AnalysisStatusContextReady),
		Progress:    ptr(ProgressFactsReady),
		CurrentStep: ptr(StepLabelMemo),
		QuickFacts:  raw,
	}); err != nil {
		return nil, err
	}
	r.events.Publish(stream.Message("Quick facts ready"))
	return &res.Value, nil
}

func (r *run) synthesize(ctx context.Context, text string, facts *models.QuickFacts) clients.Result[clients.Synthesis] {
	o := r.o
	r.events.Publish(stream.Message("Writing the investment memo"))

	sched := newProgressSchedule(o.cfg.ExpectedMemoChars, o.cfg.ProgressInterval, o.cfg.ProgressMinDelta, o.now)
	emit := func(chunk string) {
		r.events.Publish(stream.Text(chunk))
		pct, due := sched.add(len(chunk))
		if !due {
			return
		}
		if _, err := r.apply(ctx, statestore.Patch{Progress: &pct}); err != nil {
			r.log.WithError(err).Warn("Failed to record progress")
		}
	}

	input := map[string]interface{}{"characters": len(text), "quickFacts": facts != nil}
	hooks := stepHooks(ctx, r, models.StepSynthesis, input, func(s clients.Synthesis) interface{} {
		return map[string]interface{}{
			"chunks":     s.Chunks,
			"characters": len(s.Text),
			"provider":   s.Provider,
			"model":      s.Model,
		}
	})
	return clients.Do(ctx, o.policy(o.cfg.MaxAttempts), hooks,
		func(ctx context.Context, attempt int) clients.Result[clients.Synthesis] {
			return o.pipeline.Synthesis.Invoke(ctx, clients.SynthesisInput{Text: text, QuickFacts: facts}, o.timeouts.Synthesis, emit)
		})
}

// fail records the failure, emits an error frame and returns cause. When the
// analysis already ended elsewhere, the frame carries the recorded message.
func (r *run) fail(ctx context.Context, stage string, cause error) error {
	wctx := context.WithoutCancel(ctx)
	msg := failureMessage(ctx, stage, cause)
	_, err := r.apply(wctx, statestore.Patch{
		Status:       ptr(models.AnalysisStatusFailed),
		CurrentStep:  ptr(StepLabelFailed),
		ErrorMessage: &msg,
	})
	switch {
	case errors.Is(err, statestore.ErrRejected):
		if a, getErr := r.o.store.GetAnalysis(wctx, r.id); getErr == nil && a.ErrorMessage != nil {
			msg = *a.ErrorMessage
		}
	case err != nil:
		r.log.WithError(err).Error("Failed to record analysis failure")
	}
	r.events.Publish(stream.Error(msg))
	r.log.WithField("stage", stage).WithError(cause).Warn("Analysis failed")
	return fmt.Errorf("%s: %w", stage, cause)
}

func failureMessage(ctx context.Context, stage string, cause error) string {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		return InterruptedMessage
	}
	return fmt.Sprintf("%s failed: %s", stage, apperrors.Message(cause))
}

// stepHooks writes one step log row per attempt of a stage.
func stepHooks[T any](ctx context.Context, r *run, step string, input interface{}, output func(T) interface{}) clients.Hooks[T] {
	store := r.o.store
	wctx := context.WithoutCancel(ctx)
	var open *models.WorkflowStepLog

	var hooks clients.Hooks[T]
	hooks.OnStart = func(attempt int) {
		l, err := store.OpenStep(wctx, r.id, step, attempt, input)
		if err != nil {
			logger.WithStage(r.log, step, attempt).WithError(err).Warn("Failed to open step log")
			return
		}
		open = l
	}
	hooks.OnFinish = func(attempt int, res clients.Result[T], retryIn time.Duration) {
		entry := logger.WithStage(r.log, step, attempt)
		var err error
		if res.OK() {
			entry.Info("Stage attempt succeeded")
			if open != nil {
				err = store.CloseStep(wctx, open, models.StepStatusSuccess, output(res.Value), "")
			}
		} else {
			entry.WithError(res.Err).WithFields(logrus.Fields{
				"outcome":  res.Kind.String(),
				"retry_in": retryIn.String(),
			}).Warn("Stage attempt failed")
			if open != nil {
				err = store.CloseStep(wctx, open, models.StepStatusError, map[string]interface{}{
					"outcome":   res.Kind.String(),
					"retryInMs": retryIn.Milliseconds(),
				}, res.Err.Error())
			}
		}
		if err != nil {
			entry.WithError(err).Warn("Failed to close step log")
		}
		open = nil
	}
	return hooks
}

func ptr[T any](v T) *T { return &v }
