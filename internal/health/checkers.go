package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirWritable returns a [Checker] that verifies dir exists and is writable by
// creating and removing a probe file. The memory engine appends to files under
// its storage root on every turn, so a read-only or missing root means the
// daemon cannot do useful work.
func DirWritable(name, dir string) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			info, err := os.Stat(dir)
			if err != nil {
				return fmt.Errorf("stat %s: %w", dir, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			probe := filepath.Join(dir, ".readyz-probe")
			if err := os.WriteFile(probe, nil, 0o644); err != nil {
				return fmt.Errorf("write probe: %w", err)
			}
			return os.Remove(probe)
		},
	}
}
