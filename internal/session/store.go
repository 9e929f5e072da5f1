package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"invoicewa/internal/logging"
)

// strayProcess is the subset of *process.Process used for cleanup.
type strayProcess interface {
	CmdlineWithContext(ctx context.Context) (string, error)
	KillWithContext(ctx context.Context) error
}

// Store owns the on-disk session artifacts: the browser profile (auth
// state) and the client cache.
type Store struct {
	profileDir string
	dirs       []string
	killStray  bool
	logger     *zap.Logger

	listProcesses func(ctx context.Context) ([]strayProcess, error)
}

// NewStore creates a store for profileDir plus any extra artifact dirs.
func NewStore(profileDir string, extraDirs []string, killStray bool) *Store {
	dirs := append([]string{profileDir}, extraDirs...)
	for i, d := range dirs {
		if abs, err := filepath.Abs(d); err == nil {
			dirs[i] = abs
		}
	}
	return &Store{
		profileDir:    dirs[0],
		dirs:          dirs,
		killStray:     killStray,
		logger:        logging.Get(logging.CategoryStore),
		listProcesses: listSystemProcesses,
	}
}

// ProfileDir returns the browser user-data-dir.
func (s *Store) ProfileDir() string { return s.profileDir }

// Dirs returns every directory Purge deletes.
func (s *Store) Dirs() []string {
	out := make([]string, len(s.dirs))
	copy(out, s.dirs)
	return out
}

// Purge kills browser processes still bound to the profile, then deletes
// every artifact directory. It is best-effort: each failure is logged and
// collected, and no failure stops the remaining steps.
func (s *Store) Purge(ctx context.Context) error {
	var errs []error

	if s.killStray {
		killed, err := s.killStrayProcesses(ctx)
		if err != nil {
			s.logger.Warn("stray process scan failed", zap.Error(err))
		}
		if killed > 0 {
			s.logger.Info("killed stray browser processes", zap.Int("count", killed))
		}
	}

	for _, dir := range s.dirs {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove session artifact", zap.String("dir", dir), zap.Error(err))
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		s.logger.Debug("removed session artifact", zap.String("dir", dir))
	}

	return errors.Join(errs...)
}

func (s *Store) killStrayProcesses(ctx context.Context) (int, error) {
	procs, err := s.listProcesses(ctx)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !strings.Contains(cmdline, s.profileDir) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			s.logger.Debug("kill stray process failed", zap.String("cmdline", cmdline), zap.Error(err))
			continue
		}
		killed++
	}
	return killed, nil
}

func listSystemProcesses(ctx context.Context) ([]strayProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	out := make([]strayProcess, 0, len(procs))
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
