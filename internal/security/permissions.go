package security

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// PermLogFile is for the service log, which carries repository and step output.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the audit database.
	PermDBFile os.FileMode = 0640

	// PermDataDir is for directories holding the log and audit database.
	PermDataDir os.FileMode = 0750

	// PermSSHKey is the only mode OpenSSH itself accepts for private keys.
	PermSSHKey os.FileMode = 0600
)

// CreateSecureDir creates path (and parents) and forces perm, ignoring umask.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}
	return nil
}

// OpenAppendFile opens path for appending, creating it and its parent
// directory when missing. New files get perm.
func OpenAppendFile(path string, perm os.FileMode) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, PermDataDir); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

// EnsureFileMode tightens an existing file to perm when it is more permissive.
func EnsureFileMode(path string, perm os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Mode().Perm()&^perm == 0 {
		return nil
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to fix permissions on %s: %w", path, err)
	}
	return nil
}

// IsWorldReadable reports whether others may read a file with perm.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable reports whether others may write a file with perm.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions rejects files that are world-readable or
// world-writable. Used for the config file and private keys.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()
	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o)", path, perm)
	}
	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o)", path, perm)
	}
	return nil
}
