package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MimeLyc/modpack-downloader/pkg/log"
)

type RunnerConfig struct {
	// WorkspaceRoot holds one private directory per running job.
	WorkspaceRoot    string
	AdmissionTimeout time.Duration
	ItemDelay        time.Duration
	// FetchTimeout bounds a single Fetch call; zero disables the bound.
	FetchTimeout time.Duration
	// ArtifactURL turns an artifact name into the locator sent to observers.
	ArtifactURL func(name string) string
}

// Runner executes submitted batches, one goroutine per job, items strictly in order.
type Runner struct {
	cfg      RunnerConfig
	registry *Registry
	hub      *Hub
	fetcher  Fetcher
	packager Packager
	sweeper  Sweeper
	history  HistoryStore

	idCounter uint64
	itemDelay atomic.Int64
	wg        sync.WaitGroup
}

type RunnerOption func(*Runner)

func WithSweeper(s Sweeper) RunnerOption {
	return func(r *Runner) {
		r.sweeper = s
	}
}

func WithHistory(h HistoryStore) RunnerOption {
	return func(r *Runner) {
		r.history = h
	}
}

func NewRunner(
	cfg RunnerConfig,
	registry *Registry,
	hub *Hub,
	fetcher Fetcher,
	packager Packager,
	opts ...RunnerOption,
) *Runner {
	if cfg.ArtifactURL == nil {
		cfg.ArtifactURL = func(name string) string { return name }
	}
	r := &Runner{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		fetcher:  fetcher,
		packager: packager,
	}
	r.itemDelay.Store(int64(cfg.ItemDelay))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetItemDelay changes the pause between items for jobs that reach their next item.
func (r *Runner) SetItemDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.itemDelay.Store(int64(d))
}

func (r *Runner) ItemDelay() time.Duration {
	return time.Duration(r.itemDelay.Load())
}

// Submit registers a job and starts processing it in the background. The
// job outlives ctx; only values are taken from it.
func (r *Runner) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	job := &Job{
		ID:     r.nextID(),
		Items:  append([]string(nil), sub.Items...),
		Target: sub.Target,
	}
	if err := r.registry.Create(job); err != nil {
		return SubmitResult{}, err
	}

	log.Info("Job %s submitted with %d items (%s %s)", job.ID, len(job.Items), job.Target.GameVersion, job.Target.Loader)
	r.wg.Add(1)
	go r.run(context.WithoutCancel(ctx), job)

	return SubmitResult{JobID: job.ID, TotalItems: len(job.Items)}, nil
}

// Wait blocks until every submitted job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) nextID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), atomic.AddUint64(&r.idCounter, 1))
}

func (r *Runner) run(ctx context.Context, job *Job) {
	defer r.wg.Done()

	workspace := ""
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(ctx, job, workspace, NewError(ErrInternal, job.ID, fmt.Sprintf("runtime error: %v", rec)))
		}
	}()

	if err := r.registry.SetStatus(job.ID, StatusAwaitingObserver); err != nil {
		r.fail(ctx, job, "", err)
		return
	}

	if r.hub.WaitForSubscriber(ctx, job.ID, r.cfg.AdmissionTimeout) {
		log.Debug("Job %s has an observer, starting", job.ID)
	} else {
		log.Info("Job %s: no observer after %s, starting anyway", job.ID, r.cfg.AdmissionTimeout)
	}

	if len(job.Items) > 0 {
		ws, err := r.prepareWorkspace(job.ID)
		if err != nil {
			r.fail(ctx, job, ws, err)
			return
		}
		workspace = ws
	}

	if err := r.registry.SetStatus(job.ID, StatusRunning); err != nil {
		r.fail(ctx, job, workspace, err)
		return
	}

	succeeded, err := r.drain(ctx, job, workspace)
	if err != nil {
		r.fail(ctx, job, workspace, err)
		return
	}

	if err := r.registry.SetStatus(job.ID, StatusFinalizing); err != nil {
		r.fail(ctx, job, workspace, err)
		return
	}

	final := NothingSucceededEvent()
	if succeeded > 0 {
		name, err := r.packager.Package(workspace, job.ID)
		if err != nil {
			r.fail(ctx, job, workspace, WrapError(err, ErrPackaging, job.ID, "package workspace"))
			return
		}
		locator := r.cfg.ArtifactURL(name)
		if err := r.registry.SetArtifact(job.ID, locator); err != nil {
			r.fail(ctx, job, workspace, err)
			return
		}
		final = DoneEvent(locator)
	}

	// status goes terminal before the streams close so that a late
	// subscriber can tell the job is over
	r.hub.Publish(job.ID, final)
	if err := r.registry.SetStatus(job.ID, StatusCompleted); err != nil {
		log.Error("Job %s: %v", job.ID, err)
	}
	r.hub.CloseAll(job.ID)

	log.Info("Job %s completed: %d/%d succeeded", job.ID, succeeded, len(job.Items))
	r.cleanup(ctx, job.ID, workspace)
	r.record(ctx, job.ID)
}

// drain fetches every item in order and returns the number of successes.
func (r *Runner) drain(ctx context.Context, job *Job, workspace string) (int, error) {
	succeeded := 0
	for i, item := range job.Items {
		if i > 0 {
			r.pause(ctx, r.ItemDelay())
		}

		result := r.fetchOne(ctx, item, job.Target, workspace)
		if err := r.registry.Append(job.ID, result); err != nil {
			return succeeded, err
		}
		r.hub.Publish(job.ID, ProgressEvent(result))
		if result.Success {
			succeeded++
		}
		log.Debug("Job %s item %d/%d %s: success=%t %s", job.ID, i+1, len(job.Items), item, result.Success, result.Message)
	}
	return succeeded, nil
}

// fetchOne never fails: errors and panics become failed results.
func (r *Runner) fetchOne(ctx context.Context, url string, target Target, workspace string) (result ProcessingResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = ProcessingResult{URL: url, Message: fmt.Sprintf("Unexpected error: %v", rec)}
		}
	}()

	fetchCtx := ctx
	if r.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
	}

	outcome, err := r.fetcher.Fetch(fetchCtx, url, target, workspace)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("Timed out after %s", r.cfg.FetchTimeout)
		}
		return ProcessingResult{URL: url, Message: msg}
	}
	return ProcessingResult{
		URL:      url,
		Success:  outcome.Success,
		Message:  outcome.Message,
		FileName: outcome.FileName,
	}
}

func (r *Runner) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (r *Runner) prepareWorkspace(jobID string) (string, error) {
	dir := filepath.Join(r.cfg.WorkspaceRoot, "job_"+jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, WrapError(err, ErrWorkspace, jobID, "create workspace")
	}
	if err := r.registry.SetWorkspace(jobID, dir); err != nil {
		return dir, err
	}
	return dir, nil
}

// fail ends the job after a job-level error. Observers get a single error event.
func (r *Runner) fail(ctx context.Context, job *Job, workspace string, cause error) {
	log.Error("Job %s failed: %v", job.ID, cause)

	r.hub.Publish(job.ID, ErrorEvent(PublicReason(cause)))
	if err := r.registry.Fail(job.ID, cause.Error()); err != nil {
		log.Warn("Job %s: mark failed: %v", job.ID, err)
	}
	r.hub.CloseAll(job.ID)

	r.cleanup(ctx, job.ID, workspace)
	r.record(ctx, job.ID)
	r.registry.Remove(job.ID)
}

func (r *Runner) cleanup(ctx context.Context, jobID, workspace string) {
	if workspace != "" {
		if err := os.RemoveAll(workspace); err != nil {
			log.Warn("Job %s: remove workspace %s: %v", jobID, workspace, err)
		}
	}
	if r.sweeper != nil {
		r.sweeper.SweepAll(ctx)
	}
}

func (r *Runner) record(ctx context.Context, jobID string) {
	if r.history == nil {
		return
	}
	job, ok := r.registry.Get(jobID)
	if !ok {
		return
	}
	summary := Summary{
		ID:         job.ID,
		Status:     job.Status,
		Target:     job.Target,
		TotalItems: len(job.Items),
		Succeeded:  job.Succeeded(),
		Artifact:   job.Artifact,
		Error:      job.Error,
		Results:    job.Results,
		CreatedAt:  job.CreatedAt,
		FinishedAt: time.Now(),
	}
	if err := r.history.RecordJob(ctx, summary); err != nil {
		log.Error("Job %s: record history: %v", jobID, err)
	}
}
