package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/warden/internal/logging"
)

// Quarantine moves a corrupted file into stateDir/quarantine, suffixed
// with the time it was set aside.
func Quarantine(stateDir, filePath string, now time.Time, log *logging.Logger) (string, error) {
	quarantineDir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), now.Format("20060102T150405"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	log.Warnf("quarantined corrupted file %s as %s", filePath, dst)
	return dst, nil
}

// RestoreFromBackup replaces filePath with its .bak copy when that one
// parses.
func RestoreFromBackup(filePath string, log *logging.Logger) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := AtomicWriteRaw(filePath, content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	log.Infof("restored %s from %s", filePath, bakPath)
	return nil
}

// Recover sets a corrupted file aside and restores its backup, or writes
// skeleton when no usable backup exists.
func Recover(stateDir, filePath string, skeleton any, now time.Time, log *logging.Logger) error {
	if _, err := Quarantine(stateDir, filePath, now, log); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}
	err := RestoreFromBackup(filePath, log)
	if err == nil {
		return nil
	}
	log.Warnf("backup restore failed for %s: %v; writing an empty file", filePath, err)
	if err := AtomicWrite(filePath, skeleton); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}
