package discovery

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/raskyld/dealer/pkg/router"
)

// File reads a hosts file, which is parsed again only when its
// modification time advanced.
type File struct {
	path        string
	defaultPort int

	lk      sync.Mutex
	modTime time.Time
	tracker tracker
}

func NewFile(path string, defaultPort int) *File {
	return &File{path: path, defaultPort: defaultPort}
}

func (f *File) Fetch(ctx context.Context) ([]router.Endpoint, bool, error) {
	f.lk.Lock()
	defer f.lk.Unlock()

	if err := ctx.Err(); err != nil {
		return f.tracker.last, false, err
	}

	info, err := os.Stat(f.path)
	if err != nil {
		return f.tracker.last, false, err
	}
	if f.tracker.primed && !info.ModTime().After(f.modTime) {
		return f.tracker.last, false, nil
	}

	b, err := os.ReadFile(f.path)
	if err != nil {
		return f.tracker.last, false, err
	}
	endpoints, err := ParseHosts(string(b), f.defaultPort)
	if err != nil {
		return f.tracker.last, false, fmt.Errorf("%s: %w", f.path, err)
	}
	f.modTime = info.ModTime()
	return endpoints, f.tracker.observe(endpoints), nil
}
