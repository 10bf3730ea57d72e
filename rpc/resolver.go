package rpc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// HostResolver maps a configured socket path to the canonical path of a unix
// socket, following symlinks. Results are cached with a bounded size and TTL
// so reconnect storms do not hammer the filesystem.
type HostResolver struct {
	cache *expirable.LRU[string, string]
}

func NewHostResolver(size int, ttl time.Duration) *HostResolver {
	return &HostResolver{cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Resolve returns the canonical socket path for p.
func (r *HostResolver) Resolve(p string) (string, error) {
	if v, ok := r.cache.Get(p); ok {
		return v, nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return "", fmt.Errorf("rpc: %s is not a unix socket", resolved)
	}
	r.cache.Add(p, resolved)
	return resolved, nil
}

// Forget evicts p, forcing the next Resolve to hit the filesystem.
func (r *HostResolver) Forget(p string) { r.cache.Remove(p) }

func (r *HostResolver) Purge() { r.cache.Purge() }

func (r *HostResolver) Len() int { return r.cache.Len() }
