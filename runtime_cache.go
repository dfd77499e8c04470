package daemonctl

import (
	"sync"

	"github.com/Data-Corruption/daemonctl/lock"
	"github.com/Data-Corruption/daemonctl/pidfile"
)

// runtimeCache hands out one *daemonRuntime per lock file path, so distinct
// Handle values that happen to name the same lock/PID file within a
// process share the same lock.Lock in-process gate instead of each
// racing the kernel flock independently.
type runtimeCache struct {
	mu    sync.Mutex
	byKey map[string]*daemonRuntime
}

func newRuntimeCache() *runtimeCache {
	return &runtimeCache{byKey: map[string]*daemonRuntime{}}
}

func (c *runtimeCache) get(lockPath, pidPath string) *daemonRuntime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rt, ok := c.byKey[lockPath]; ok {
		return rt
	}
	rt := &daemonRuntime{lock: lock.New(lockPath), pid: pidfile.New(pidPath)}
	c.byKey[lockPath] = rt
	return rt
}
