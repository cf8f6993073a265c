package history

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/afero"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/pkg/logger"
)

const (
	persistAttempts = 3
	persistBackoff  = 100 * time.Millisecond
	persistTimeout  = 5 * time.Second
)

// persistAsync writes the current state to disk in the background. Failures
// are logged, never surfaced: persistence is best effort and must not stall
// execution.
func (s *Store) persistAsync(ctx context.Context) {
	if !s.cfg.IsEnabled() || !s.cfg.Persist || s.cfg.FilePath == "" {
		return
	}
	log := logger.FromContext(ctx)
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.persist(writeCtx); err != nil {
			log.Warn("history persistence failed", "path", s.cfg.FilePath, "error", err)
		}
	}()
}

// persist serializes and writes atomically via a temp file rename.
func (s *Store) persist(ctx context.Context) error {
	data, err := s.ExportJSON()
	if err != nil {
		return err
	}
	backoff := retry.WithMaxRetries(persistAttempts-1, retry.NewConstant(persistBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		dir := filepath.Dir(s.cfg.FilePath)
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return retry.RetryableError(err)
		}
		tmp := s.cfg.FilePath + ".tmp"
		if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
			return retry.RetryableError(err)
		}
		if err := s.fs.Rename(tmp, s.cfg.FilePath); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Flush waits for in-flight background writes to finish.
func (s *Store) Flush() {
	s.persistWG.Wait()
}

// Load restores previously persisted state. A missing file is not an
// error; a corrupt one is.
func (s *Store) Load(_ context.Context) error {
	if !s.cfg.Persist || s.cfg.FilePath == "" {
		return nil
	}
	data, err := afero.ReadFile(s.fs, s.cfg.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.NewError(err, core.ErrCodePersist, map[string]any{"path": s.cfg.FilePath})
	}
	return s.ImportJSON(data)
}
