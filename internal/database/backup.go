package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"enlist/internal/config"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// BackupService snapshots the run-history database so recorded outcomes
// survive local corruption. Backups run on an interval and, via
// TriggerNow, right after a run finishes, when the history just gained a
// batch of results.
type BackupService struct {
	dbPath  string
	cfg     config.BackupConfig
	trigger chan struct{}
	logger  *zerolog.Logger
}

func NewBackupService(dbPath string, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	return &BackupService{
		dbPath:  dbPath,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		logger:  logger,
	}
}

// TriggerNow requests an out-of-schedule backup. A pending request absorbs
// further ones.
func (s *BackupService) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *BackupService) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("run-history backups disabled")
		return
	}

	interval := s.interval()
	s.logger.Info().
		Dur("interval", interval).
		Str("path", s.cfg.StoragePath).
		Msg("run-history backups started")

	// First snapshot right away so a fresh deployment is covered.
	s.backupAndPrune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.backupAndPrune()
		case <-s.trigger:
			s.backupAndPrune()
		}
	}
}

func (s *BackupService) interval() time.Duration {
	if s.cfg.Schedule == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(s.cfg.Schedule)
	if err != nil {
		s.logger.Warn().Err(err).Str("schedule", s.cfg.Schedule).Msg("bad backup schedule, using 24h")
		return 24 * time.Hour
	}
	return d
}

func (s *BackupService) backupAndPrune() {
	if err := s.Backup(); err != nil {
		s.logger.Error().Err(err).Msg("run-history backup failed")
	}
	s.prune()
}

// Backup writes a consistent copy of the run-history database. VACUUM INTO
// gives an online snapshot; a raw file copy is the fallback when the
// source cannot serve one.
func (s *BackupService) Backup() error {
	if err := os.MkdirAll(s.cfg.StoragePath, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	name := fmt.Sprintf("runhistory_%s.db", time.Now().Format("20060102_150405.000"))
	dest := filepath.Join(s.cfg.StoragePath, name)

	src, err := sql.Open("sqlite3", s.dbPath)
	if err != nil {
		return fmt.Errorf("open source database: %w", err)
	}
	defer src.Close()

	if _, err := src.Exec(fmt.Sprintf("VACUUM INTO '%s'", dest)); err != nil {
		s.logger.Warn().Err(err).Msg("VACUUM INTO failed, copying file instead")
		return s.copyFile(dest)
	}

	s.logger.Info().Str("file", dest).Msg("run-history backup written")
	return nil
}

func (s *BackupService) copyFile(dest string) error {
	in, err := os.Open(s.dbPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	// Not transactional: a write landing mid-copy can corrupt this one.
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	s.logger.Info().Str("file", dest).Msg("run-history backup copied")
	return nil
}

// prune drops backups past the retention window.
func (s *BackupService) prune() {
	if s.cfg.RetentionDays <= 0 {
		return
	}

	entries, err := os.ReadDir(s.cfg.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("read backup directory")
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		s.logger.Info().Str("file", entry.Name()).Msg("expired backup removed")
		_ = os.Remove(filepath.Join(s.cfg.StoragePath, entry.Name()))
	}
}
