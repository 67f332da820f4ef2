package jobs

import (
	"sort"
	"sync"
	"time"
)

// Registry holds the current record of every known job.
//
// Only a job's own runner mutates its entry; the lock protects the map
// itself against concurrent access from other jobs and request handlers.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Create registers job with an empty result list.
func (r *Registry) Create(job *Job) error {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return NewError(ErrDuplicateJob, job.ID, "job already registered")
	}

	stored := cloneJob(job)
	stored.Items = append([]string(nil), job.Items...)
	stored.Results = make([]ProcessingResult, 0, len(job.Items))
	if stored.Status == "" {
		stored.Status = StatusCreated
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.jobs[job.ID] = stored
	return nil
}

// Append adds result to the tail of the job's results.
func (r *Registry) Append(id string, result ProcessingResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return NewError(ErrUnknownJob, id, "append to unknown job")
	}
	if len(job.Results) >= len(job.Items) {
		return NewError(ErrInternal, id, "more results than items")
	}
	job.Results = append(job.Results, result)
	job.UpdatedAt = r.now()
	return nil
}

// Results returns a copy of the job's results. Unknown ids yield (nil, false).
func (r *Registry) Results(id string) ([]ProcessingResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return copyResults(job.Results), true
}

func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// SetStatus moves the job to status if the transition is allowed.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return NewError(ErrUnknownJob, id, "status change for unknown job")
	}
	if job.Status == status {
		return nil
	}
	if !isValidTransition(job.Status, status) {
		return NewError(ErrInvalidTransition, id, string(job.Status)+" -> "+string(status))
	}
	job.Status = status
	job.UpdatedAt = r.now()
	return nil
}

// Fail marks the job failed and records reason.
func (r *Registry) Fail(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return NewError(ErrUnknownJob, id, "fail of unknown job")
	}
	if !isValidTransition(job.Status, StatusFailed) {
		return NewError(ErrInvalidTransition, id, string(job.Status)+" -> "+string(StatusFailed))
	}
	job.Status = StatusFailed
	job.Error = reason
	job.UpdatedAt = r.now()
	return nil
}

func (r *Registry) SetWorkspace(id, path string) error {
	return r.update(id, func(job *Job) { job.Workspace = path })
}

func (r *Registry) SetArtifact(id, locator string) error {
	return r.update(id, func(job *Job) { job.Artifact = locator })
}

func (r *Registry) update(id string, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return NewError(ErrUnknownJob, id, "update of unknown job")
	}
	fn(job)
	job.UpdatedAt = r.now()
	return nil
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

// List returns snapshots of all jobs, newest first.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	ret := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		ret = append(ret, cloneJob(job))
	}
	r.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.After(ret[j].CreatedAt)
	})
	return ret
}

// PruneTerminal drops terminal jobs last updated before cutoff and returns their ids.
func (r *Registry) PruneTerminal(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := make([]string, 0)
	for id, job := range r.jobs {
		if !job.Status.Terminal() || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(r.jobs, id)
		pruned = append(pruned, id)
	}
	sort.Strings(pruned)
	return pruned
}

func isValidTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.Terminal()
	}
	switch from {
	case StatusCreated:
		return to == StatusAwaitingObserver
	case StatusAwaitingObserver:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusFinalizing
	case StatusFinalizing:
		return to == StatusCompleted
	default:
		return false
	}
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.Items = append([]string(nil), job.Items...)
	tmp.Results = copyResults(job.Results)
	return &tmp
}

func copyResults(results []ProcessingResult) []ProcessingResult {
	ret := make([]ProcessingResult, len(results))
	copy(ret, results)
	return ret
}
