package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/modpack-downloader/internal/archive"
	"github.com/MimeLyc/modpack-downloader/internal/config"
	"github.com/MimeLyc/modpack-downloader/internal/jobs"
	"github.com/MimeLyc/modpack-downloader/internal/retention"
	"github.com/MimeLyc/modpack-downloader/pkg/icron"
	"github.com/MimeLyc/modpack-downloader/pkg/log"
)

type sweeper interface {
	Run(ctx context.Context) int
	SetTTL(ttl time.Duration)
}

type jobPruner interface {
	PruneTerminal(cutoff time.Time) []string
}

type historyPruner interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type itemDelaySetter interface {
	SetItemDelay(d time.Duration)
}

// Report is what one maintenance pass did.
type Report struct {
	Swept         int `json:"swept"`
	PrunedJobs    int `json:"prunedJobs"`
	PrunedHistory int `json:"prunedHistory"`
}

// MaintenanceService runs the periodic retention pass: expired shared files,
// finished jobs past JOB_RETENTION and history rows past HISTORY_RETENTION.
type MaintenanceService struct {
	mu       sync.Mutex
	ctx      context.Context
	cfg      config.Config
	cron     *cron.Cron
	entryID  cron.EntryID
	group    singleflight.Group
	sweeper  sweeper
	jobs     jobPruner
	history  historyPruner
	runner   itemDelaySetter
	settings string
	now      func() time.Time
}

type Option func(*MaintenanceService)

func WithHistory(history historyPruner) Option {
	return func(s *MaintenanceService) {
		s.history = history
	}
}

func WithRunner(runner itemDelaySetter) Option {
	return func(s *MaintenanceService) {
		s.runner = runner
	}
}

// WithSettingsFile makes ApplyRuntimeSettings persist accepted settings to path.
func WithSettingsFile(path string) Option {
	return func(s *MaintenanceService) {
		s.settings = path
	}
}

func NewMaintenanceService(
	cfg config.Config,
	c *cron.Cron,
	sw sweeper,
	registry jobPruner,
	opts ...Option,
) *MaintenanceService {
	s := &MaintenanceService{
		ctx:     context.Background(),
		cfg:     cfg,
		cron:    c,
		sweeper: sw,
		jobs:    registry,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDefaultSweeper sweeps artifacts and staged uploads under the data dir.
func NewDefaultSweeper(cfg config.Config) *retention.Sweeper {
	return retention.NewSweeper(
		retention.Target{Dir: cfg.DownloadsDir(), TTL: cfg.Retention.TTL, Match: archive.IsArtifactFile},
		retention.Target{Dir: cfg.UploadsDir(), TTL: cfg.Retention.TTL},
	)
}

// Schedule registers the maintenance pass on the cron engine.
func (s *MaintenanceService) Schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.scheduleLocked(s.cfg.Retention.SweepCron)
}

func (s *MaintenanceService) scheduleLocked(expr string) error {
	ctx := s.ctx
	id, err := retention.Schedule(s.cron, expr, func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	s.entryID = id
	s.cfg.Retention.SweepCron = expr

	if info, err := icron.GetTriggerInfo(expr, s.now()); err == nil {
		log.Info("Maintenance scheduled with %q, next run at %s (in %s)",
			expr, info.Next.Format(time.RFC3339), info.TimeUntilNext.Round(time.Second))
	}
	return nil
}

// RunOnce performs one maintenance pass. Concurrent calls share a pass.
func (s *MaintenanceService) RunOnce(ctx context.Context) Report {
	v, _, _ := s.group.Do("maintenance", func() (any, error) {
		s.mu.Lock()
		jobRetention := s.cfg.Retention.JobRetention
		historyRetention := s.cfg.Retention.HistoryRetention
		s.mu.Unlock()

		now := s.now()
		report := Report{Swept: s.sweeper.Run(ctx)}

		if jobRetention > 0 && s.jobs != nil {
			report.PrunedJobs = len(s.jobs.PruneTerminal(now.Add(-jobRetention)))
		}
		if historyRetention > 0 && s.history != nil {
			n, err := s.history.DeleteFinishedBefore(ctx, now.Add(-historyRetention))
			if err != nil {
				log.Error("Prune job history: %v", err)
			}
			report.PrunedHistory = int(n)
		}

		if report.PrunedJobs > 0 || report.PrunedHistory > 0 {
			log.Info("Maintenance pruned %d jobs and %d history rows", report.PrunedJobs, report.PrunedHistory)
		}
		return report, nil
	})
	return v.(Report)
}

// RuntimeSettings returns the settings currently in effect.
func (s *MaintenanceService) RuntimeSettings() config.RuntimeSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RuntimeSettings()
}

// ApplyRuntimeSettings validates settings, applies them to the running
// components and persists them when a settings file is configured.
// Empty fields keep their current value.
func (s *MaintenanceService) ApplyRuntimeSettings(settings config.RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	config.WithRuntimeSettings(settings)(&next)
	next.Retention.SweepCron = strings.TrimSpace(next.Retention.SweepCron)

	// rescheduling is the only step that can fail after validation; a failed
	// write puts the previous schedule back so nothing changes
	prevCron := s.cfg.Retention.SweepCron
	if next.Retention.SweepCron != prevCron {
		if err := s.scheduleLocked(next.Retention.SweepCron); err != nil {
			return fmt.Errorf("reschedule maintenance: %w", err)
		}
	}
	if s.settings != "" {
		if err := config.WriteRuntimeSettingsFile(s.settings, next.RuntimeSettings()); err != nil {
			if next.Retention.SweepCron != prevCron {
				if rerr := s.scheduleLocked(prevCron); rerr != nil {
					log.Error("Restore maintenance schedule %q: %v", prevCron, rerr)
				}
			}
			return fmt.Errorf("persist runtime settings, nothing applied: %w", err)
		}
	}

	if next.Retention.TTL != s.cfg.Retention.TTL {
		s.sweeper.SetTTL(next.Retention.TTL)
	}
	if next.Jobs.ItemDelay != s.cfg.Jobs.ItemDelay && s.runner != nil {
		s.runner.SetItemDelay(next.Jobs.ItemDelay)
	}
	s.cfg.Retention.TTL = next.Retention.TTL
	s.cfg.Jobs.ItemDelay = next.Jobs.ItemDelay

	log.Info("Runtime settings applied: sweep=%q ttl=%s item_delay=%s",
		s.cfg.Retention.SweepCron, s.cfg.Retention.TTL, s.cfg.Jobs.ItemDelay)
	return nil
}

var _ itemDelaySetter = (*jobs.Runner)(nil)
