package jobs

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/MimeLyc/modpack-downloader/internal/archive"
)

type fetchFunc func(ctx context.Context, url string, target Target, workspace string) (FetchOutcome, error)

func (f fetchFunc) Fetch(ctx context.Context, url string, target Target, workspace string) (FetchOutcome, error) {
	return f(ctx, url, target, workspace)
}

type brokenPackager struct{}

func (brokenPackager) Package(string, string) (string, error) {
	return "", errors.New("disk full")
}

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) SweepAll(context.Context) {
	s.calls.Add(1)
}

type memoryHistory struct {
	mu        sync.Mutex
	summaries []Summary
}

func (h *memoryHistory) RecordJob(_ context.Context, s Summary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries = append(h.summaries, s)
	return nil
}

func (h *memoryHistory) all() []Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Summary(nil), h.summaries...)
}

type runnerFixture struct {
	runner      *Runner
	registry    *Registry
	hub         *Hub
	sweeper     *countingSweeper
	history     *memoryHistory
	workspaces  string
	artifactDir string
}

func newRunnerFixture(t *testing.T, cfg RunnerConfig, fetcher Fetcher, packager Packager) *runnerFixture {
	t.Helper()
	tmp := t.TempDir()
	f := &runnerFixture{
		registry:    NewRegistry(),
		hub:         NewHub(),
		sweeper:     &countingSweeper{},
		history:     &memoryHistory{},
		workspaces:  filepath.Join(tmp, "workspaces"),
		artifactDir: filepath.Join(tmp, "downloads"),
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = f.workspaces
	}
	if cfg.AdmissionTimeout == 0 {
		cfg.AdmissionTimeout = 5 * time.Second
	}
	cfg.ArtifactURL = func(name string) string {
		return "http://localhost:4000/downloads/" + name
	}
	if packager == nil {
		packager = archive.NewPackager(f.artifactDir)
	}
	f.runner = NewRunner(cfg, f.registry, f.hub, fetcher, packager,
		WithSweeper(f.sweeper),
		WithHistory(f.history),
	)
	return f
}

// writingFetcher succeeds for "good-ref" by writing a.jar and rejects everything else.
func writingFetcher(gate <-chan struct{}) fetchFunc {
	return func(_ context.Context, url string, _ Target, workspace string) (FetchOutcome, error) {
		if gate != nil {
			<-gate
		}
		if url != "good-ref" {
			return FetchOutcome{Message: "Invalid source"}, nil
		}
		if err := os.WriteFile(filepath.Join(workspace, "a.jar"), []byte("jar"), 0o644); err != nil {
			return FetchOutcome{}, err
		}
		return FetchOutcome{Success: true, FileName: "a.jar", Message: "Downloaded a.jar"}, nil
	}
}

func archiveNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestRunner_ObserversSeeIdenticalStream(t *testing.T) {
	gate := make(chan struct{})
	f := newRunnerFixture(t, RunnerConfig{ItemDelay: 10 * time.Millisecond}, writingFetcher(gate), nil)

	res, err := f.runner.Submit(context.Background(), Submission{
		Items:  []string{"good-ref", "bad-ref"},
		Target: Target{GameVersion: "1.20.1", Loader: "fabric"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalItems)

	a := NewChannelSink(16)
	b := NewChannelSink(16)
	f.hub.Subscribe(res.JobID, a)
	f.hub.Subscribe(res.JobID, b)
	close(gate)

	gotA := drainSink(t, a)
	gotB := drainSink(t, b)
	f.runner.Wait()

	require.Len(t, gotA, 3)
	assert.Equal(t, gotA, gotB)
	assert.Equal(t, EventProgress, gotA[0].Type)
	assert.Equal(t, "good-ref", gotA[0].Result.URL)
	assert.True(t, gotA[0].Result.Success)
	assert.Equal(t, "bad-ref", gotA[1].Result.URL)
	assert.False(t, gotA[1].Result.Success)
	assert.Equal(t, EventDone, gotA[2].Type)
	assert.Equal(t, "http://localhost:4000/downloads/mods_"+res.JobID+".zip", gotA[2].ArtifactURL)

	job, ok := f.registry.Get(res.JobID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	require.Len(t, job.Results, 2)
	assert.Equal(t, "good-ref", job.Results[0].URL)
	assert.Equal(t, "bad-ref", job.Results[1].URL)

	assert.Equal(t, []string{"a.jar"}, archiveNames(t, filepath.Join(f.artifactDir, "mods_"+res.JobID+".zip")))
	assert.NoDirExists(t, filepath.Join(f.workspaces, "job_"+res.JobID))
	assert.Equal(t, int32(1), f.sweeper.calls.Load())

	late := NewChannelSink(4)
	handle := f.hub.Subscribe(res.JobID, late)
	select {
	case ev := <-late.Events():
		t.Fatalf("late observer got %v", ev.Type)
	default:
	}
	f.hub.Unsubscribe(res.JobID, handle)

	history := f.history.all()
	require.Len(t, history, 1)
	assert.Equal(t, StatusCompleted, history[0].Status)
	assert.Equal(t, 2, history[0].TotalItems)
	assert.Equal(t, 1, history[0].Succeeded)
}

func TestRunner_EmptyBatch(t *testing.T) {
	var calls atomic.Int32
	fetcher := fetchFunc(func(context.Context, string, Target, string) (FetchOutcome, error) {
		calls.Add(1)
		return FetchOutcome{}, nil
	})
	f := newRunnerFixture(t, RunnerConfig{}, fetcher, nil)

	res, err := f.runner.Submit(context.Background(), Submission{})
	require.NoError(t, err)
	assert.Zero(t, res.TotalItems)

	sink := NewChannelSink(4)
	f.hub.Subscribe(res.JobID, sink)
	got := drainSink(t, sink)
	f.runner.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, EventDone, got[0].Type)
	assert.Equal(t, NothingSucceededMessage, got[0].Message)
	assert.Empty(t, got[0].ArtifactURL)
	assert.Zero(t, calls.Load())
	assert.NoDirExists(t, f.workspaces)
	assert.NoDirExists(t, f.artifactDir)

	results, ok := f.registry.Results(res.JobID)
	require.True(t, ok)
	assert.Empty(t, results)
}

func TestRunner_NothingSucceeded(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{}, writingFetcher(nil), nil)

	res, err := f.runner.Submit(context.Background(), Submission{Items: []string{"bad-1", "bad-2"}})
	require.NoError(t, err)

	sink := NewChannelSink(8)
	f.hub.Subscribe(res.JobID, sink)
	got := drainSink(t, sink)
	f.runner.Wait()

	require.Len(t, got, 3)
	assert.Equal(t, NothingSucceededMessage, got[2].Message)
	assert.NoDirExists(t, f.artifactDir)

	job, _ := f.registry.Get(res.JobID)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Empty(t, job.Artifact)
}

func TestRunner_StartsWithoutObserver(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{AdmissionTimeout: 20 * time.Millisecond}, writingFetcher(nil), nil)

	res, err := f.runner.Submit(context.Background(), Submission{Items: []string{"good-ref"}})
	require.NoError(t, err)
	f.runner.Wait()

	job, ok := f.registry.Get(res.JobID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	require.Len(t, job.Results, 1)
	assert.True(t, job.Results[0].Success)
	assert.FileExists(t, filepath.Join(f.artifactDir, "mods_"+res.JobID+".zip"))
}

func TestRunner_ItemFailuresDoNotStopBatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fetcher := fetchFunc(func(_ context.Context, url string, _ Target, workspace string) (FetchOutcome, error) {
		switch url {
		case "err-ref":
			return FetchOutcome{}, errors.New("Error: connection refused")
		case "panic-ref":
			panic("boom")
		default:
			if err := os.WriteFile(filepath.Join(workspace, "ok.jar"), []byte("ok"), 0o644); err != nil {
				return FetchOutcome{}, err
			}
			return FetchOutcome{Success: true, FileName: "ok.jar", Message: "Downloaded ok.jar"}, nil
		}
	})
	f := newRunnerFixture(t, RunnerConfig{AdmissionTimeout: time.Millisecond}, fetcher, nil)

	res, err := f.runner.Submit(context.Background(), Submission{Items: []string{"err-ref", "panic-ref", "ok-ref"}})
	require.NoError(t, err)
	f.runner.Wait()

	results, ok := f.registry.Results(res.JobID)
	require.True(t, ok)
	require.Len(t, results, 3)
	assert.Equal(t, ProcessingResult{URL: "err-ref", Message: "Error: connection refused"}, results[0])
	assert.Equal(t, ProcessingResult{URL: "panic-ref", Message: "Unexpected error: boom"}, results[1])
	assert.True(t, results[2].Success)

	job, _ := f.registry.Get(res.JobID)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestRunner_FetchTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fetcher := fetchFunc(func(ctx context.Context, _ string, _ Target, _ string) (FetchOutcome, error) {
		<-ctx.Done()
		return FetchOutcome{}, ctx.Err()
	})
	f := newRunnerFixture(t, RunnerConfig{
		AdmissionTimeout: time.Millisecond,
		FetchTimeout:     20 * time.Millisecond,
	}, fetcher, nil)

	res, err := f.runner.Submit(context.Background(), Submission{Items: []string{"slow-ref"}})
	require.NoError(t, err)
	f.runner.Wait()

	results, _ := f.registry.Results(res.JobID)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "Timed out after 20ms", results[0].Message)
}

func TestRunner_PackagingFailure(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{}, writingFetcher(nil), brokenPackager{})

	res, err := f.runner.Submit(context.Background(), Submission{Items: []string{"good-ref"}})
	require.NoError(t, err)

	sink := NewChannelSink(8)
	f.hub.Subscribe(res.JobID, sink)
	got := drainSink(t, sink)
	f.runner.Wait()

	require.Len(t, got, 2)
	assert.Equal(t, EventProgress, got[0].Type)
	assert.Equal(t, EventError, got[1].Type)
	assert.Equal(t, "Processing failed: could not create archive", got[1].Error)

	_, ok := f.registry.Get(res.JobID)
	assert.False(t, ok, "failed jobs leave the registry")
	assert.NoDirExists(t, filepath.Join(f.workspaces, "job_"+res.JobID))
	assert.Equal(t, int32(1), f.sweeper.calls.Load())

	history := f.history.all()
	require.Len(t, history, 1)
	assert.Equal(t, StatusFailed, history[0].Status)
	assert.Contains(t, history[0].Error, "disk full")
}

func TestRunner_WorkspaceFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	var calls atomic.Int32
	fetcher := fetchFunc(func(context.Context, string, Target, string) (FetchOutcome, error) {
		calls.Add(1)
		return FetchOutcome{}, nil
	})
	f := newRunnerFixture(t, RunnerConfig{WorkspaceRoot: blocker}, fetcher, nil)

	res, err := f.runner.Submit(context.Background(), Submission{Items: []string{"good-ref"}})
	require.NoError(t, err)

	sink := NewChannelSink(4)
	f.hub.Subscribe(res.JobID, sink)
	got := drainSink(t, sink)
	f.runner.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Type)
	assert.Equal(t, "Processing failed: could not prepare workspace", got[0].Error)
	assert.Zero(t, calls.Load())

	_, ok := f.registry.Get(res.JobID)
	assert.False(t, ok)
}

func TestRunner_SubmitIDsAreUnique(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{AdmissionTimeout: time.Millisecond}, writingFetcher(nil), nil)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		res, err := f.runner.Submit(context.Background(), Submission{})
		require.NoError(t, err)
		assert.False(t, seen[res.JobID], "duplicate id %s", res.JobID)
		seen[res.JobID] = true
	}
	f.runner.Wait()
}

func TestRunner_SubmitSurvivesCanceledContext(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{AdmissionTimeout: time.Millisecond}, writingFetcher(nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := f.runner.Submit(ctx, Submission{Items: []string{"good-ref"}})
	require.NoError(t, err)
	cancel()
	f.runner.Wait()

	job, ok := f.registry.Get(res.JobID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.True(t, job.Results[0].Success)
}
