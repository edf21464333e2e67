package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// backupJob writes a copy of a job description to
// {BackupDir}/{nodeID}.submission, mirroring scheduler.py's
// backup_job. Only called when BackupFileLifetime > 0. Failures are
// logged and otherwise ignored: losing a backup copy is not fatal.
func (s *Scheduler) backupJob(nodeID string, description []byte) {
	if err := os.MkdirAll(s.cfg.BackupDir, 0o755); err != nil {
		s.logger.Warn().Err(err).Msg("backup_job: mkdir failed")
		return
	}
	path := filepath.Join(s.cfg.BackupDir, nodeID+".submission")
	if err := os.WriteFile(path, description, 0o644); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("backup_job: write failed")
	}
}

// runBackupCleanup sweeps BackupDir at most once per hour, deleting
// files older than BackupFileLifetime, mirroring scheduler.py's
// backup_cleanup.
func (s *Scheduler) runBackupCleanup(ctx context.Context) {
	s.backupCleanupOnce()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.backupCleanupOnce()
		}
	}
}

func (s *Scheduler) backupCleanupOnce() {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.cfg.BackupFileLifetime)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.cfg.BackupDir, entry.Name()))
		}
	}
}
