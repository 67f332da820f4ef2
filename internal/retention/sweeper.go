package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/modpack-downloader/pkg/log"
)

// Target is one shared directory whose immediate children expire after TTL.
// A nil Match accepts every entry.
type Target struct {
	Dir   string
	TTL   time.Duration
	Match func(name string) bool
}

// HasSuffix matches entry names ending in suffix.
func HasSuffix(suffix string) func(string) bool {
	return func(name string) bool {
		return strings.HasSuffix(name, suffix)
	}
}

// Sweep removes the immediate children of dir last modified more than ttl
// before now. Entries that cannot be inspected or removed are logged and
// skipped. A missing dir yields zero.
func Sweep(dir string, ttl time.Duration, match func(string) bool, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if match != nil && !match(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			log.Warn("Sweep: stat %s: %v", path, err)
			continue
		}
		if now.Sub(info.ModTime()) <= ttl {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn("Sweep: remove %s: %v", path, err)
			continue
		}
		log.Debug("Sweep: removed %s", path)
		removed++
	}
	return removed, nil
}

// Sweeper sweeps a fixed set of targets. Overlapping calls share one pass.
type Sweeper struct {
	mu      sync.Mutex
	targets []Target
	group   singleflight.Group
	now     func() time.Time
}

func NewSweeper(targets ...Target) *Sweeper {
	return &Sweeper{
		targets: targets,
		now:     time.Now,
	}
}

// SetTTL replaces the age limit of every target.
func (s *Sweeper) SetTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.targets {
		s.targets[i].TTL = ttl
	}
}

func (s *Sweeper) snapshot() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Target(nil), s.targets...)
}

// SweepAll runs one pass over every target.
func (s *Sweeper) SweepAll(ctx context.Context) {
	s.Run(ctx)
}

// Run is SweepAll reporting how many entries were removed.
func (s *Sweeper) Run(ctx context.Context) int {
	v, _, _ := s.group.Do("sweep", func() (any, error) {
		total := 0
		for _, target := range s.snapshot() {
			if ctx.Err() != nil {
				break
			}
			n, err := Sweep(target.Dir, target.TTL, target.Match, s.now())
			if err != nil {
				log.Error("Sweep of %s failed: %v", target.Dir, err)
				continue
			}
			total += n
		}
		if total > 0 {
			log.Info("Sweep removed %d expired entries", total)
		}
		return total, nil
	})
	return v.(int)
}

// Schedule registers fn on c under the given cron expression.
func Schedule(c *cron.Cron, expr string, fn func()) (cron.EntryID, error) {
	id, err := c.AddFunc(expr, fn)
	if err != nil {
		return 0, fmt.Errorf("schedule %q: %w", expr, err)
	}
	return id, nil
}
