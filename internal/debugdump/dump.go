// Package debugdump implements optional response dumping for debugging:
// when enabled, each response body is written as its own file into the
// directory passed to New. The directory is not made unique per process.
package debugdump

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/teranos/xpool/internal/errors"
)

// Dumper writes one file per classified response when enabled.
type Dumper struct {
	enabled bool
	dir     string
}

// New builds a Dumper. When enabled is false, Write is a no-op.
func New(enabled bool, dir string) (*Dumper, error) {
	if !enabled {
		return &Dumper{enabled: false}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create debug dump directory %s", dir)
	}
	return &Dumper{enabled: true, dir: dir}, nil
}

// Write persists one response body to the dump directory, named by queue,
// status code, and a random id so concurrent calls never collide.
func (d *Dumper) Write(queue string, resp *http.Response, body []byte) error {
	if d == nil || !d.enabled {
		return nil
	}

	name := queue + "-" + strconv.Itoa(resp.StatusCode) + "-" + uuid.NewString() + ".json"
	path := filepath.Join(d.dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return errors.Wrapf(err, "write debug dump %s", path)
	}
	return nil
}
