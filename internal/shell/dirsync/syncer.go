package dirsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/pushdeploy/internal/core/deployment"
	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/core/shellcmd"
	"github.com/artpar/pushdeploy/internal/shell/remote"
	"github.com/go-git/go-billy/v5"
)

// Syncer applies sync plans from a local filesystem to a remote session.
type Syncer struct {
	fsys        billy.Filesystem
	parallelism int
	logger      *slog.Logger
}

// NewSyncer creates a syncer reading from fsys. Parallelism above one
// transfers sibling files of a directory concurrently.
func NewSyncer(fsys billy.Filesystem, parallelism int, logger *slog.Logger) *Syncer {
	if parallelism <= 0 {
		parallelism = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		fsys:        fsys,
		parallelism: parallelism,
		logger:      logger.With("component", "dirsync"),
	}
}

// Result summarises one Sync call.
type Result struct {
	dirsCreated      int64
	filesTransferred int64
	bytesTransferred int64

	Duration time.Duration
}

// DirsCreated returns the number of directories created.
func (r *Result) DirsCreated() int { return int(atomic.LoadInt64(&r.dirsCreated)) }

// FilesTransferred returns the number of files written.
func (r *Result) FilesTransferred() int { return int(atomic.LoadInt64(&r.filesTransferred)) }

// BytesTransferred returns the number of bytes written.
func (r *Result) BytesTransferred() int64 { return atomic.LoadInt64(&r.bytesTransferred) }

// Plan builds a sync plan from the syncer's local filesystem.
func (s *Syncer) Plan(remoteRoot string, mode domain.SyncMode, required, optional []string) (domain.SyncPlan, error) {
	plan, err := BuildPlan(s.fsys, remoteRoot, mode, required, optional)
	if err != nil {
		return plan, err
	}
	if len(plan.Skipped) > 0 {
		s.logger.Info("optional paths absent, skipped", "paths", plan.Skipped)
	}
	return plan, nil
}

// =============================================================================
// Prepare
// =============================================================================

// Prepare readies the remote root for the given mode. Destructive mode
// removes the root and recreates it empty; incremental mode only ensures
// it exists.
func (s *Syncer) Prepare(ctx context.Context, sess remote.Session, remoteRoot string, mode domain.SyncMode) error {
	if err := domain.ValidateRemoteRoot(remoteRoot); err != nil {
		return NewSyncError("prepare", remoteRoot, ErrPrepareFailed, err)
	}

	switch mode {
	case domain.SyncDestructive:
		s.logger.Info("recreating remote root", "path", remoteRoot)
		if _, err := remote.Strict(ctx, sess, shellcmd.RecreateDir(remoteRoot)); err != nil {
			return NewSyncError("prepare", remoteRoot, ErrPrepareFailed, err)
		}
		return nil

	case domain.SyncIncremental:
		exists, err := sess.Stat(ctx, remoteRoot)
		if err != nil {
			return NewSyncError("prepare", remoteRoot, ErrPrepareFailed, err)
		}
		if exists {
			return nil
		}
		s.logger.Info("creating remote root", "path", remoteRoot)
		if _, err := remote.Strict(ctx, sess, shellcmd.MkdirAll(remoteRoot)); err != nil {
			return NewSyncError("prepare", remoteRoot, ErrPrepareFailed, err)
		}
		return nil
	}
	return NewSyncError("prepare", remoteRoot, ErrPrepareFailed, domain.ErrSyncModeInvalid)
}

// =============================================================================
// Sync
// =============================================================================

// Sync applies plan in order. Directories are created when absent, files are
// always overwritten, nothing is removed. The first failure aborts the sync.
func (s *Syncer) Sync(ctx context.Context, sess remote.Session, plan domain.SyncPlan) (*Result, error) {
	start := time.Now()
	result := &Result{}

	if err := deployment.ValidateOrder(plan.Entries); err != nil {
		return result, NewSyncError("plan", plan.RemoteRoot, ErrInvalidPlan, err)
	}

	for _, batch := range deployment.Batches(plan.Entries) {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		var err error
		if batch.Dir != nil {
			err = s.ensureDir(ctx, sess, *batch.Dir, result)
		} else {
			err = s.transferAll(ctx, sess, batch.Files, result)
		}
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
	}

	result.Duration = time.Since(start)
	s.logger.Info("sync complete",
		"files", result.FilesTransferred(),
		"dirs_created", result.DirsCreated(),
		"bytes", result.BytesTransferred(),
		"duration", result.Duration,
	)
	return result, nil
}

func (s *Syncer) ensureDir(ctx context.Context, sess remote.Session, e domain.SyncEntry, result *Result) error {
	exists, err := sess.Stat(ctx, e.RemotePath)
	if err != nil {
		return NewSyncError("mkdir", e.RemotePath, ErrTransferFailed, err)
	}
	if exists {
		return nil
	}
	if err := sess.Mkdir(ctx, e.RemotePath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return NewSyncError("mkdir", e.RemotePath, ErrTransferFailed, err)
	}
	atomic.AddInt64(&result.dirsCreated, 1)
	s.logger.Debug("created directory", "path", e.RemotePath)
	return nil
}

// transferAll writes sibling files, concurrently up to the parallelism limit.
func (s *Syncer) transferAll(ctx context.Context, sess remote.Session, files []domain.SyncEntry, result *Result) error {
	if s.parallelism == 1 || len(files) == 1 {
		for _, e := range files {
			if err := s.transfer(ctx, sess, e, result); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, s.parallelism)

	for _, e := range files {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(e domain.SyncEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.transfer(ctx, sess, e, result); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (s *Syncer) transfer(ctx context.Context, sess remote.Session, e domain.SyncEntry, result *Result) error {
	f, err := s.fsys.Open(e.LocalPath)
	if err != nil {
		return NewSyncError("put", e.LocalPath, ErrTransferFailed, err)
	}
	defer f.Close()

	cr := &countingReader{r: f}
	if err := sess.Put(ctx, e.RemotePath, cr); err != nil {
		return NewSyncError("put", e.RemotePath, ErrTransferFailed, fmt.Errorf("upload %s: %w", e.LocalPath, err))
	}
	atomic.AddInt64(&result.filesTransferred, 1)
	atomic.AddInt64(&result.bytesTransferred, cr.n)
	s.logger.Debug("transferred file", "local", e.LocalPath, "remote", e.RemotePath, "bytes", cr.n)
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
