package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileFormatVersion = 1

type registryFile struct {
	Format    int               `json:"format"`
	UpdatedAt time.Time         `json:"updated_at"`
	Nodes     map[string]string `json:"nodes"`
}

// encodeDocument renders nodes in the registry document format shared by
// the file and s3 backends.
func encodeDocument(nodes map[string]string) ([]byte, error) {
	data, err := json.MarshalIndent(registryFile{
		Format:    fileFormatVersion,
		UpdatedAt: time.Now().UTC(),
		Nodes:     nodes,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal registry: %w", err)
	}
	return data, nil
}

func decodeDocument(data []byte, source string) (map[string]string, error) {
	var doc registryFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", source, err)
	}
	if doc.Format > fileFormatVersion {
		return nil, fmt.Errorf("registry %s has format %d, newest supported is %d",
			source, doc.Format, fileFormatVersion)
	}
	if doc.Nodes == nil {
		doc.Nodes = make(map[string]string)
	}
	return doc.Nodes, nil
}

// FileBackend stores the registry as a JSON document. Every write replaces
// the whole file through a synced temp file and a rename, so a crash leaves
// either the old or the new document on disk.
type FileBackend struct {
	path string

	mu    sync.Mutex
	nodes map[string]string
}

// NewFileBackend returns a backend writing to path, creating its directory.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("registry file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &FileBackend{path: path, nodes: make(map[string]string)}, nil
}

// Load reads the file. A missing file is an empty registry.
func (b *FileBackend) Load(ctx context.Context) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	nodes, err := decodeDocument(data, b.path)
	if err != nil {
		return nil, err
	}

	b.nodes = make(map[string]string, len(nodes))
	out := make(map[string]string, len(nodes))
	for k, v := range nodes {
		b.nodes[k] = v
		out[k] = v
	}
	return out, nil
}

// Store upserts one entry and rewrites the file.
func (b *FileBackend) Store(ctx context.Context, nodeID, versionLabel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, existed := b.nodes[nodeID]
	b.nodes[nodeID] = versionLabel
	if err := b.flush(); err != nil {
		if existed {
			b.nodes[nodeID] = prev
		} else {
			delete(b.nodes, nodeID)
		}
		return err
	}
	return nil
}

// flush must be called with b.mu held.
func (b *FileBackend) flush() error {
	data, err := encodeDocument(b.nodes)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close registry: %w", err)
	}

	if err := os.Rename(tempPath, b.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename registry file: %w", err)
	}
	return nil
}

// Close is a no-op; every Store is already on disk.
func (b *FileBackend) Close() error {
	return nil
}
