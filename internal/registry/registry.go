// Package registry tracks the last synced version label of every remote node.
//
// The registry is loaded once from its backend and then written through on
// every SetVersion, so an entry is durable as soon as SetVersion returns.
// Uploads consult it to refuse pushing a local copy that was synced from an
// older remote version than the one currently on the server.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fruitsalade/cmiscopy/internal/logging"
	"github.com/fruitsalade/cmiscopy/internal/metrics"
)

// Driver names accepted by Open.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverS3       = "s3"
)

// Backend persists registry entries.
type Backend interface {
	// Load returns every stored entry.
	Load(ctx context.Context) (map[string]string, error)
	// Store upserts one entry durably.
	Store(ctx context.Context, nodeID, versionLabel string) error
	Close() error
}

// Registry maps node ids to version labels.
type Registry struct {
	backend   Backend
	namespace string

	mu       sync.RWMutex
	versions map[string]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithNamespace scopes every entry to one local tree. Backends shared by
// several machines must be opened with a namespace per tree: an entry says
// what that tree last synced, and another tree's entry would let a stale
// local copy pass the upload check.
func WithNamespace(ns string) Option {
	return func(r *Registry) {
		r.namespace = ns
	}
}

// namespaceSep joins namespace and node id in backend keys.
const namespaceSep = "|"

// Open creates the backend named by driver and loads the registry from it.
// For the file and sqlite drivers dsn is a path; for postgres it is a
// connection string and for s3 an s3://bucket/key URL.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Registry, error) {
	var (
		backend Backend
		err     error
	)
	switch driver {
	case "", DriverFile:
		backend, err = NewFileBackend(dsn)
	case DriverSQLite:
		backend, err = NewSQLiteBackend(ctx, dsn)
	case DriverPostgres:
		backend, err = NewPostgresBackend(ctx, dsn)
	case DriverS3:
		backend, err = NewS3Backend(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown registry driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s registry: %w", driver, err)
	}

	reg, err := New(ctx, backend, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return reg, nil
}

// New loads a registry from backend. With a namespace only that
// namespace's entries are visible.
func New(ctx context.Context, backend Backend, opts ...Option) (*Registry, error) {
	r := &Registry{backend: backend}
	for _, opt := range opts {
		opt(r)
	}

	stored, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	r.versions = make(map[string]string, len(stored))
	for key, label := range stored {
		if nodeID, ok := r.nodeID(key); ok {
			r.versions[nodeID] = label
		}
	}

	metrics.SetRegistryEntries(len(r.versions))
	logging.Debug("version registry loaded",
		logging.Int("entries", len(r.versions)),
		logging.String("namespace", r.namespace))
	return r, nil
}

// key maps a node id to its backend key.
func (r *Registry) key(nodeID string) string {
	if r.namespace == "" {
		return nodeID
	}
	return r.namespace + namespaceSep + nodeID
}

// nodeID reverses key and reports whether the entry belongs to r.
func (r *Registry) nodeID(key string) (string, bool) {
	if r.namespace == "" {
		return key, true
	}
	return strings.CutPrefix(key, r.namespace+namespaceSep)
}

// HasVersion reports whether the stored label for nodeID is exactly
// versionLabel. Labels are opaque; no ordering is implied.
func (r *Registry) HasVersion(nodeID, versionLabel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.versions[nodeID]
	return ok && stored == versionLabel
}

// Version returns the stored label for nodeID.
func (r *Registry) Version(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[nodeID]
	return v, ok
}

// SetVersion upserts nodeID -> versionLabel. The in-memory view only changes
// after the backend accepted the write.
func (r *Registry) SetVersion(ctx context.Context, nodeID, versionLabel string) error {
	if nodeID == "" {
		return fmt.Errorf("set version: empty node id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.backend.Store(ctx, r.key(nodeID), versionLabel); err != nil {
		metrics.RecordRegistryWrite(false)
		return fmt.Errorf("store version for %s: %w", nodeID, err)
	}
	r.versions[nodeID] = versionLabel
	metrics.RecordRegistryWrite(true)
	metrics.SetRegistryEntries(len(r.versions))
	return nil
}

// Entries returns a copy of all entries.
func (r *Registry) Entries() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.versions))
	for k, v := range r.versions {
		out[k] = v
	}
	return out
}

// Len returns the number of tracked nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.versions)
}

// Close releases the backend.
func (r *Registry) Close() error {
	return r.backend.Close()
}
