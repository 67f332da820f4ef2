package jobs

import "context"

// FetchOutcome is what a Fetcher reports for one item.
type FetchOutcome struct {
	Success  bool
	FileName string
	Message  string
}

// Fetcher resolves one item reference and writes the resulting file into workspace.
type Fetcher interface {
	Fetch(ctx context.Context, url string, target Target, workspace string) (FetchOutcome, error)
}

// Packager archives a workspace and returns the artifact name.
type Packager interface {
	Package(workspace, jobID string) (string, error)
}

// Sweeper reclaims stale shared files.
type Sweeper interface {
	SweepAll(ctx context.Context)
}

// HistoryStore keeps summaries of finished jobs.
type HistoryStore interface {
	RecordJob(ctx context.Context, summary Summary) error
}
