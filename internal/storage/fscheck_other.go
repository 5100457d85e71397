//go:build !darwin && !linux

package storage

import "fmt"

func detectFilesystemType(path string) (string, error) {
	return "", fmt.Errorf("filesystem detection is unsupported on this platform")
}

func freeBytes(string) (uint64, error) {
	return 0, ErrDiskStatsUnsupported
}
