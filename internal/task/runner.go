// Package task runs a sync action over a remote document or folder tree.
package task

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/cmiscopy/internal/cmis"
	"github.com/fruitsalade/cmiscopy/internal/logging"
	"github.com/fruitsalade/cmiscopy/internal/syncer"
)

// Engine performs single-file transfers.
type Engine interface {
	UploadFile(ctx context.Context, localDir string, d *cmis.Descriptor) (syncer.Result, error)
	DownloadFile(ctx context.Context, localDir string, d *cmis.Descriptor) (syncer.Result, error)
}

// Lister resolves paths and enumerates folders in the repository.
type Lister interface {
	GetObjectByPath(ctx context.Context, path string) (*cmis.Descriptor, error)
	GetChildren(ctx context.Context, folderID string) ([]*cmis.Descriptor, error)
}

// Config selects what a Runner syncs.
type Config struct {
	LocalRoot string
	CMISRoot  string
	Action    syncer.Action
	Workers   int
}

// Result is reported once for every document the runner visits.
type Result struct {
	Path       string // repository path relative to CMISRoot
	LocalDir   string
	Descriptor *cmis.Descriptor
	syncer.Result
	Err error
}

// Runner walks the repository and hands documents to the engine.
type Runner struct {
	engine Engine
	lister Lister
	cfg    Config
}

// NewRunner creates a runner. Workers below 1 means one.
func NewRunner(engine Engine, lister Lister, cfg Config) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	cfg.CMISRoot = "/" + strings.Trim(cfg.CMISRoot, "/")
	return &Runner{engine: engine, lister: lister, cfg: cfg}
}

// walk carries the state of one Run.
type walk struct {
	*Runner
	g        *errgroup.Group
	mu       sync.Mutex
	summary  Summary
	onResult func(Result)
}

// Run syncs subPath (relative to CMISRoot; empty means the root itself).
// onResult is called exactly once per document, never concurrently. Run
// fails only when subPath cannot be resolved; every other failure is
// reported through onResult or counted in the summary.
func (r *Runner) Run(ctx context.Context, subPath string, onResult func(Result)) (Summary, error) {
	subPath = strings.Trim(subPath, "/")
	remote := path.Join(r.cfg.CMISRoot, subPath)

	root, err := r.lister.GetObjectByPath(ctx, remote)
	if cmis.IsNotFound(err) {
		return Summary{}, fmt.Errorf("remote path %s does not exist: %w", remote, err)
	}
	if err != nil {
		return Summary{}, fmt.Errorf("resolve %s: %w", remote, err)
	}

	w := &walk{Runner: r, g: &errgroup.Group{}, onResult: onResult}
	w.g.SetLimit(r.cfg.Workers)

	logging.Info("sync started",
		zap.String("action", r.cfg.Action.String()),
		zap.String("remote", remote),
		zap.String("local", r.cfg.LocalRoot),
		zap.Int("workers", r.cfg.Workers))

	if root.IsFolder() {
		w.folder(ctx, subPath, root)
	} else {
		w.document(ctx, subPath, r.localDir(path.Dir(subPath)), root)
	}
	w.g.Wait()

	logging.Info("sync finished", zap.Object("summary", &w.summary))
	return w.summary, nil
}

func (r *Runner) localDir(rel string) string {
	if rel == "." || rel == "" {
		return r.cfg.LocalRoot
	}
	return filepath.Join(r.cfg.LocalRoot, filepath.FromSlash(rel))
}

// folder lists one folder and recurses. Listing runs on the calling
// goroutine; only documents go to the pool.
func (w *walk) folder(ctx context.Context, rel string, f *cmis.Descriptor) {
	children, err := w.lister.GetChildren(ctx, f.ObjectID())
	if err != nil {
		logging.Error("cannot list folder, skipping",
			zap.String("path", path.Join(w.cfg.CMISRoot, rel)), zap.Error(err))
		w.mu.Lock()
		w.summary.ListFailures++
		w.mu.Unlock()
		return
	}

	dir := w.localDir(rel)
	for _, child := range children {
		childRel := path.Join(rel, child.Name())
		switch {
		case child.IsFolder():
			if err := syncer.CheckName(child.Name()); err != nil {
				logging.Error("skipping folder with unusable name",
					zap.String("path", path.Join(w.cfg.CMISRoot, rel)), zap.Error(err))
				w.mu.Lock()
				w.summary.ListFailures++
				w.mu.Unlock()
				continue
			}
			w.folder(ctx, childRel, child)
		case child.IsDocument():
			w.document(ctx, childRel, dir, child)
		default:
			logging.Debug("skipping non-document object",
				zap.String("path", childRel), zap.Stringer("type", child.Type()))
		}
	}
}

func (w *walk) document(ctx context.Context, rel, dir string, d *cmis.Descriptor) {
	w.g.Go(func() error {
		res := Result{Path: rel, LocalDir: dir, Descriptor: d}
		if err := ctx.Err(); err != nil {
			res.Err = err
		} else if w.cfg.Action == syncer.ActionUpload {
			res.Result, res.Err = w.engine.UploadFile(ctx, dir, d)
		} else {
			res.Result, res.Err = w.engine.DownloadFile(ctx, dir, d)
		}
		if res.Err != nil {
			res.Outcome = syncer.OutcomeFailed
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		w.summary.add(res)
		if w.onResult != nil {
			w.onResult(res)
		}
		return nil
	})
}
