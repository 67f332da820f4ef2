package jobs

import "time"

type Status string

const (
	StatusCreated          Status = "created"
	StatusAwaitingObserver Status = "awaiting_observer"
	StatusRunning          Status = "running"
	StatusFinalizing       Status = "finalizing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Target carries the parameters shared by every item of a batch.
type Target struct {
	GameVersion string `json:"mcVersion"`
	Loader      string `json:"modLoader"`
}

// ProcessingResult is the outcome of one item. Immutable once appended.
type ProcessingResult struct {
	URL      string `json:"url"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	FileName string `json:"fileName,omitempty"`
}

type Job struct {
	ID        string             `json:"id"`
	Status    Status             `json:"status"`
	Items     []string           `json:"items"`
	Target    Target             `json:"target"`
	Results   []ProcessingResult `json:"results"`
	Workspace string             `json:"-"`
	Artifact  string             `json:"artifact,omitempty"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Succeeded counts successful results.
func (j *Job) Succeeded() int {
	n := 0
	for _, r := range j.Results {
		if r.Success {
			n++
		}
	}
	return n
}

// Submission is what a caller hands to Runner.Submit.
type Submission struct {
	Items  []string
	Target Target
}

type SubmitResult struct {
	JobID      string `json:"jobId"`
	TotalItems int    `json:"totalMods"`
}

type EventType string

const (
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one message on a job's progress stream.
type Event struct {
	Type        EventType
	Result      *ProcessingResult
	ArtifactURL string
	Message     string
	Error       string
}

// Payload returns the JSON body sent for the event.
func (e Event) Payload() any {
	switch e.Type {
	case EventProgress:
		if e.Result == nil {
			return ProcessingResult{}
		}
		return *e.Result
	case EventDone:
		if e.ArtifactURL != "" {
			return map[string]string{"zipUrl": e.ArtifactURL}
		}
		return map[string]string{"message": e.Message}
	default:
		return map[string]string{"error": e.Error}
	}
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

func ProgressEvent(r ProcessingResult) Event {
	return Event{Type: EventProgress, Result: &r}
}

func DoneEvent(artifactURL string) Event {
	return Event{Type: EventDone, ArtifactURL: artifactURL}
}

func NothingSucceededEvent() Event {
	return Event{Type: EventDone, Message: NothingSucceededMessage}
}

func ErrorEvent(reason string) Event {
	return Event{Type: EventError, Error: reason}
}

const NothingSucceededMessage = "No mods were downloaded successfully."

// Summary is the record kept for finished jobs.
type Summary struct {
	ID         string             `json:"id"`
	Status     Status             `json:"status"`
	Target     Target             `json:"target"`
	TotalItems int                `json:"totalMods"`
	Succeeded  int                `json:"succeeded"`
	Artifact   string             `json:"zipUrl,omitempty"`
	Error      string             `json:"error,omitempty"`
	Results    []ProcessingResult `json:"results"`
	CreatedAt  time.Time          `json:"createdAt"`
	FinishedAt time.Time          `json:"finishedAt"`
}
