package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
)

// Manager owns the set of Queue files under a single queueDirectory,
// opening them lazily and caching the handle so repeated lookups for
// the same name (e.g. the same peer) reuse one in-memory Queue
// instead of re-reading the file each time.
type Manager struct {
	mutex sync.Mutex
	dir   string
	log   logging.Logger
	open  map[string]*Queue
}

// NewManager creates a Manager rooted at dir. The directory must
// already exist; creating it is the bootstrap's job (§1.3), not the
// core's.
func NewManager(dir string, log logging.Logger) *Manager {
	return &Manager{
		dir:  dir,
		log:  log,
		open: make(map[string]*Queue),
	}
}

// Get opens (or returns the cached handle for) the queue file named
// "<name>.json" under the manager's directory.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if q, ok := m.open[name]; ok {
		return q, nil
	}
	path := filepath.Join(m.dir, name+".json")
	q, err := Open(path, m.log)
	if err != nil {
		return nil, errors.Wrapf(err, "queue manager: opening %s", name)
	}
	m.open[name] = q
	return q, nil
}

// PeerQueueName returns the on-disk queue name for a peer's offline
// outbound buffer, per §6: "remote-<peer>".
func PeerQueueName(peer string) string {
	return fmt.Sprintf("remote-%s", peer)
}

// EnsureDirectory creates dir if it does not already exist. Exposed
// for the bootstrap in daemon.New, which per §1 scope is outside the
// core but needs a place to call this from.
func EnsureDirectory(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
