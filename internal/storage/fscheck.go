package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/hookrelay/internal/log"
)

// ErrDiskStatsUnsupported is returned by FreeBytes on platforms without statfs.
var ErrDiskStatsUnsupported = errors.New("disk statistics are unsupported on this platform")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// validateSQLiteFilesystem ensures the DB path is on a local filesystem.
func validateSQLiteFilesystem(path string) error {
	return validateSQLiteFilesystemWithDetector(path, detectFilesystemType, log.WithComponent("storage"))
}

func validateSQLiteFilesystemWithDetector(path string, detector func(string) (string, error), logger *slog.Logger) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		// Unknown platforms cannot be classified; only a positive network
		// match blocks startup.
		logger.Warn("network filesystem check skipped",
			"path", inspectPath,
			"error", err,
		)
		return nil
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"database path %q is on network filesystem %q; the relay queue needs a local filesystem for reliable SQLite locking. Point RELAY_DB_PATH at local disk",
			path,
			fsType,
		)
	}

	return nil
}

// FreeBytes reports the bytes available to unprivileged writers on the
// filesystem holding path (or its nearest existing parent).
func FreeBytes(path string) (uint64, error) {
	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return 0, err
	}
	return freeBytes(inspectPath)
}

// CheckHeadroom fails when the filesystem holding path has less than min
// bytes available. A zero min disables the check.
func CheckHeadroom(path string, min uint64) error {
	if min == 0 {
		return nil
	}
	free, err := FreeBytes(path)
	if errors.Is(err, ErrDiskStatsUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("disk headroom: %w", err)
	}
	if free < min {
		return fmt.Errorf("disk headroom: %d bytes free, need %d", free, min)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
