// Package utils contains utility types for logging and filesystem
// path management used throughout sysmon.
package utils

import (
	"os"
	"path/filepath"
)

// Paths resolves the filesystem locations used by the server: the
// sample database and the log file, rooted at a single data directory.
type Paths struct {
	RootPath string `json:"root_path"`
}

// NewPaths constructs Paths rooted at the specified directory.
func NewPaths(rootPath string) *Paths {
	return &Paths{RootPath: rootPath}
}

// DatabaseFile returns the path to the SQLite sample database.
func (p *Paths) DatabaseFile() string {
	return filepath.Join(p.RootPath, "sysmon.db")
}

// LogFile returns the path to the server log file.
func (p *Paths) LogFile() string {
	return filepath.Join(p.RootPath, "logs", "sysmon.log")
}

// EnsureRoot creates the data directory tree if it does not exist.
func (p *Paths) EnsureRoot() error {
	if err := os.MkdirAll(p.RootPath, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Dir(p.LogFile()), 0o755)
}

// DefaultRoot returns the data directory next to the running
// executable, falling back to a temp location when the executable
// path cannot be resolved.
func DefaultRoot() string {
	exe, err := os.Executable()
	if err == nil {
		if resolved, rerr := filepath.EvalSymlinks(exe); rerr == nil && resolved != "" {
			exe = resolved
		}
		return filepath.Join(filepath.Dir(exe), "data")
	}
	return filepath.Join(os.TempDir(), "sysmon")
}
