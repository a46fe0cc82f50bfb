// Package syncer decides, per file, whether content has to move between
// the repository and the local tree, and moves it.
//
// Uploads are gated by the version registry: a local file is only pushed
// when the registry still records the exact version label the repository
// reports for the node. Both directions compare SHA-256 digests first and
// skip the transfer when content already matches.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/cmiscopy/internal/checksum"
	"github.com/fruitsalade/cmiscopy/internal/cmis"
	"github.com/fruitsalade/cmiscopy/internal/logging"
	"github.com/fruitsalade/cmiscopy/internal/metrics"
	"github.com/fruitsalade/cmiscopy/internal/registry"
)

// Repository is the part of the CMIS client the engine needs.
type Repository interface {
	cmis.ObjectGetter
	// FetchContent returns a *cmis.StatusError for non-success answers and
	// any other error for transport failures.
	FetchContent(ctx context.Context, objectID string) (io.ReadCloser, error)
	SetContentStream(ctx context.Context, objectID string, content []byte, overwrite bool, mimeType string) error
}

// Options tunes the engine.
type Options struct {
	Spool SpoolMode
}

// Engine runs single-file uploads and downloads. It is safe for concurrent
// use on different files.
type Engine struct {
	repo     Repository
	registry *registry.Registry
	spool    SpoolMode
}

// New creates an engine.
func New(repo Repository, reg *registry.Registry, opts Options) *Engine {
	if opts.Spool == "" {
		opts.Spool = SpoolMemory
	}
	return &Engine{repo: repo, registry: reg, spool: opts.Spool}
}

func (e *Engine) begin(ctx context.Context, action Action, d *cmis.Descriptor) (context.Context, *zap.Logger) {
	ctx = logging.WithOperation(ctx,
		zap.String("action", action.String()),
		zap.String("file", d.Name()),
		zap.String("node", d.NodeID()),
		zap.String("version", d.Version()))
	return ctx, logging.WithContext(ctx)
}

func record(action Action, res Result, start time.Time) {
	metrics.RecordTransfer(action.String(), res.Outcome.String(), res.Bytes, time.Since(start))
}

// UploadFile pushes localDir/<name> to the repository when the registry
// still holds the descriptor's version and the content differs.
func (e *Engine) UploadFile(ctx context.Context, localDir string, d *cmis.Descriptor) (res Result, err error) {
	ctx, log := e.begin(ctx, ActionUpload, d)
	start := time.Now()
	defer func() { record(ActionUpload, res, start) }()

	if err := CheckName(d.Name()); err != nil {
		log.Error("refusing remote name", zap.Error(err))
		return Result{Outcome: OutcomeFailed}, opError(ctx, ActionUpload, d, err)
	}

	if !e.registry.HasVersion(d.NodeID(), d.Version()) {
		synced, _ := e.registry.Version(d.NodeID())
		log.Warn("out of sync, skipping upload; download the remote version first",
			zap.String("synced_version", synced))
		return Result{Outcome: OutcomeOutOfSync}, nil
	}

	path := filepath.Join(localDir, d.Name())
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("cannot read local file, skipping upload", zap.String("path", path), zap.Error(err))
		return Result{Outcome: OutcomeReadFailure}, nil
	}

	same, err := e.remoteMatches(ctx, d, data)
	switch {
	case err != nil:
		log.Debug("remote content not comparable, uploading", zap.Error(err))
	case same:
		log.Debug("remote content identical, nothing to upload")
		return Result{Outcome: OutcomeUnchanged}, nil
	}

	mimeType := d.MimeType()
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	if err := e.repo.SetContentStream(ctx, d.ObjectID(), data, true, mimeType); err != nil {
		log.Error("upload failed", zap.Error(err))
		return Result{Outcome: OutcomeFailed}, opError(ctx, ActionUpload, d, err)
	}

	// The write created a new version; record that one, not d.Version().
	label, err := d.LatestVersion(ctx, e.repo)
	if err != nil {
		log.Error("uploaded, but the new version label could not be read", zap.Error(err))
	} else if err := e.registry.SetVersion(ctx, d.NodeID(), label); err != nil {
		log.Error("uploaded, but the version registry was not updated", zap.Error(err))
	} else {
		log = log.With(zap.String("new_version", label))
	}

	log.Info("uploaded", zap.Int("bytes", len(data)), zap.String("sha256", checksum.DigestBytes(data)))
	return Result{Outcome: OutcomeUploaded, Bytes: int64(len(data))}, nil
}

// remoteMatches reports whether the repository content equals local.
func (e *Engine) remoteMatches(ctx context.Context, d *cmis.Descriptor, local []byte) (bool, error) {
	rc, err := e.repo.FetchContent(ctx, d.ObjectID())
	if err != nil {
		return false, err
	}
	defer rc.Close()

	return checksum.Equal(rc, bytes.NewReader(local))
}

// opError names the file and the operation id of its log lines.
func opError(ctx context.Context, action Action, d *cmis.Descriptor, err error) error {
	return fmt.Errorf("%s %s [op %s]: %w", action, d.Name(), logging.OperationID(ctx), err)
}

// DownloadFile writes the repository content to localDir/<name> unless the
// local file already holds the same bytes. Either way a successful run
// records the descriptor's version in the registry.
func (e *Engine) DownloadFile(ctx context.Context, localDir string, d *cmis.Descriptor) (res Result, err error) {
	ctx, log := e.begin(ctx, ActionDownload, d)
	log = log.With(zap.Int64("expected_bytes", d.Size()))
	start := time.Now()
	defer func() { record(ActionDownload, res, start) }()

	failed := func(err error) (Result, error) {
		log.Error("download failed", zap.Error(err))
		return Result{Outcome: OutcomeFailed}, opError(ctx, ActionDownload, d, err)
	}

	if err := CheckName(d.Name()); err != nil {
		return failed(err)
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return failed(fmt.Errorf("create local dir: %w", err))
	}

	rc, err := e.repo.FetchContent(ctx, d.ObjectID())
	if err != nil {
		if se, ok := cmis.AsStatus(err); ok {
			log.Warn("repository refused content, skipping", zap.Int("status", se.Code), zap.Error(err))
			return Result{Outcome: OutcomeRemoteStatus}, nil
		}
		return failed(err)
	}
	defer rc.Close()

	target := filepath.Join(localDir, d.Name())
	localSum, err := checksum.DigestFile(target)
	if errors.Is(err, os.ErrNotExist) {
		n, err := writeFileAtomic(target, rc)
		if err != nil {
			return failed(err)
		}
		if err := e.registry.SetVersion(ctx, d.NodeID(), d.Version()); err != nil {
			return failed(err)
		}
		log.Info("downloaded new file", zap.Int64("bytes", n))
		return Result{Outcome: OutcomeDownloaded, Bytes: n}, nil
	}
	if err != nil {
		return failed(fmt.Errorf("digest local file: %w", err))
	}

	// The remote stream can only be read once, so keep its bytes while
	// digesting; they are needed if the digests differ.
	sp, err := newSpool(e.spool, target)
	if err != nil {
		return failed(err)
	}
	remoteSum, err := checksum.Digest(io.TeeReader(rc, sp))
	if err != nil {
		sp.Discard()
		return failed(err)
	}

	if remoteSum == localSum {
		sp.Discard()
		if err := e.registry.SetVersion(ctx, d.NodeID(), d.Version()); err != nil {
			return failed(err)
		}
		log.Debug("local file already up to date")
		return Result{Outcome: OutcomeUnchanged}, nil
	}

	n, err := sp.Commit(target)
	if err != nil {
		return failed(err)
	}
	if err := e.registry.SetVersion(ctx, d.NodeID(), d.Version()); err != nil {
		return failed(err)
	}
	log.Info("downloaded changed file", zap.Int64("bytes", n))
	return Result{Outcome: OutcomeDownloaded, Bytes: n}, nil
}
