package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogPath returns the default log file location under the user
// cache directory, falling back to a temp path when unavailable.
func DefaultLogPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "fusedb", "logs", "fusedbd.log")
	}
	return filepath.Join(os.TempDir(), "fusedb", "fusedbd.log")
}
