// Package transfer implements C6: chunked, cancellable upload/download of
// files and folders over a session's SFTP subchannel, with progress
// events, retrying of idempotent directory/file operations, and
// partial-failure aggregation for folder transfers.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/websoft9/sshpool/internal/events"
	"github.com/websoft9/sshpool/internal/fileutil"
	"github.com/websoft9/sshpool/internal/pool"
	"github.com/websoft9/sshpool/internal/sftpmgr"
	"github.com/websoft9/sshpool/internal/sshpoolerr"
)

// Tunables, per spec §4.6/§5.
const (
	ChunkSize          = 32 * 1024
	CancelUnwindBudget = 800 * time.Millisecond
	folderConcurrency  = 4
	speedEMAAlpha      = 0.3
)

// Result is the outcome of a transfer operation (spec §4.6).
type Result struct {
	Success        bool
	PartialSuccess bool
	Warning        string
	Error          string
	DownloadPath   string
	Message        string
}

// ProgressFunc receives one progress update. Re-modeled as a typed struct
// callback (events.TransferProgressPayload) rather than a positional
// tuple, per the Go-native events design.
type ProgressFunc func(events.TransferProgressPayload)

// token is a transfer's cancellation handle: cooperative, checked before
// each chunk and between files (spec §5).
type token struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

func (t *token) Cancel() {
	t.cancelled.Store(true)
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *token) Cancelled() bool { return t.cancelled.Load() }

// Manager is the C6 transfer engine.
type Manager struct {
	sftp *sftpmgr.Manager
	pool *pool.Pool
	bus  *events.Bus

	limiter *rate.Limiter // nil means unlimited

	mu     sync.Mutex
	tokens map[string]*token // transferKey -> token
}

// New constructs a Manager. bytesPerSecond<=0 means no rate limiting.
func New(sftp *sftpmgr.Manager, p *pool.Pool, bus *events.Bus, bytesPerSecond int) *Manager {
	m := &Manager{sftp: sftp, pool: p, bus: bus, tokens: make(map[string]*token)}
	if bytesPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), ChunkSize*4)
	}
	return m
}

func newTransferKey(tabID, kind string) string {
	return fmt.Sprintf("%s:%s:%s", tabID, kind, uuid.NewString())
}

// CancelTransfer signals transferKey's token and returns immediately; the
// in-flight chunk may take up to CancelUnwindBudget to actually stop.
// Idempotent — cancelling a finished or unknown transfer is a no-op.
func (m *Manager) CancelTransfer(transferKey string) (success bool) {
	m.mu.Lock()
	t, ok := m.tokens[transferKey]
	m.mu.Unlock()
	if !ok {
		return true
	}
	t.Cancel()
	return true
}

func (m *Manager) registerToken(transferKey string) (*token, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &token{cancel: cancel}
	m.mu.Lock()
	m.tokens[transferKey] = t
	m.mu.Unlock()
	return t, ctx
}

func (m *Manager) releaseToken(transferKey string) {
	m.mu.Lock()
	delete(m.tokens, transferKey)
	m.mu.Unlock()
}

func (m *Manager) publish(kind events.Kind, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(kind, payload)
}

// isCancellationMessage reports whether msg matches a known
// user-cancellation pattern — such messages MUST NOT be surfaced as
// transfer errors (spec §4.6).
func isCancellationMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, pat := range []string{"cancel", "abort", "用户取消", "已中断"} {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// speedTracker maintains an exponentially-weighted moving average of
// transfer throughput (spec §4.6).
type speedTracker struct {
	lastTime  time.Time
	lastBytes int64
	emaBps    float64
}

func (s *speedTracker) update(transferredBytes int64) float64 {
	now := time.Now()
	if !s.lastTime.IsZero() {
		dt := now.Sub(s.lastTime).Seconds()
		if dt > 0 {
			instant := float64(transferredBytes-s.lastBytes) / dt
			if s.emaBps == 0 {
				s.emaBps = instant
			} else {
				s.emaBps = speedEMAAlpha*instant + (1-speedEMAAlpha)*s.emaBps
			}
		}
	}
	s.lastTime = now
	s.lastBytes = transferredBytes
	return s.emaBps
}

func remainingTime(totalBytes, transferredBytes int64, speedBps float64) float64 {
	const epsilon = 1.0
	remaining := totalBytes - transferredBytes
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining) / atLeast(speedBps, epsilon)
}

func atLeast(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func clampBytes(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// resolveUploadTarget implements spec §4.6's target-path semantics.
func resolveUploadTarget(currentPath string, selectedIsDir bool, name string) string {
	if !selectedIsDir {
		return currentPath
	}
	if currentPath == "/" {
		return "/" + name
	}
	if currentPath == "~" {
		return "~/" + name
	}
	return path.Join(currentPath, name)
}

// UploadFile streams localPath to the session's remote targetPath.
func (m *Manager) UploadFile(s *pool.PooledSession, tabID, localPath, targetPath string, progressCb ProgressFunc) Result {
	transferKey := newTransferKey(tabID, "upload")
	t, ctx := m.registerToken(transferKey)
	defer m.releaseToken(transferKey)

	m.publish(events.TransferScheduled, transferKey)

	info, err := os.Stat(localPath)
	if err != nil {
		return m.fail(transferKey, fmt.Sprintf("stat local file: %v", err))
	}

	err = m.streamUpload(ctx, s, localPath, targetPath, info.Size(), transferKey, progressCb)
	return m.finish(transferKey, t, err, "")
}

func (m *Manager) streamUpload(ctx context.Context, s *pool.PooledSession, localPath, targetPath string, totalBytes int64, transferKey string, progressCb ProgressFunc) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	remote, err := m.sftp.Create(s, targetPath)
	if err != nil {
		return err
	}
	defer remote.Close()

	return m.copyChunks(ctx, s.Key, src, remote, totalBytes, transferKey, filepath.Base(localPath), progressCb)
}

// copyChunks streams src→dst in ChunkSize pieces, updating progress after
// every chunk, honoring cancellation and an optional rate limiter (spec
// §4.6 "Chunking and backpressure"). connKey tags any sshpoolerr.Error
// raised here with the owning pooled session, mirroring sftpmgr.opErr.
func (m *Manager) copyChunks(ctx context.Context, connKey string, src io.Reader, dst io.Writer, totalBytes int64, transferKey, fileName string, progressCb ProgressFunc) error {
	buf := make([]byte, ChunkSize)
	var transferred int64
	tracker := &speedTracker{}
	errCtx := sshpoolerr.Context{ConnectionKey: connKey}

	for {
		select {
		case <-ctx.Done():
			return sshpoolerr.New(sshpoolerr.Cancelled, "transfer cancelled", errCtx, ctx.Err())
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if m.limiter != nil {
				if err := m.limiter.WaitN(ctx, n); err != nil {
					return sshpoolerr.New(sshpoolerr.Cancelled, "transfer cancelled", errCtx, err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return sshpoolerr.Wrap(sshpoolerr.OperationError, errCtx, fmt.Errorf("write chunk: %w", werr))
			}
			transferred += int64(n)

			speed := tracker.update(transferred)
			if progressCb != nil {
				progress := 0.0
				if totalBytes > 0 {
					progress = float64(transferred) / float64(totalBytes) * 100
				}
				progressCb(events.TransferProgressPayload{
					TransferKey:      transferKey,
					Progress:         clampProgress(progress),
					FileName:         fileName,
					CurrentFile:      fileName,
					TransferredBytes: clampBytes(transferred),
					TotalBytes:       clampBytes(totalBytes),
					TransferSpeedBps: speed,
					RemainingTimeSec: remainingTime(totalBytes, transferred, speed),
				})
			}
			m.publish(events.TransferProgress, events.TransferProgressPayload{
				TransferKey: transferKey, Progress: clampProgress(float64(transferred) / atLeast(float64(totalBytes), 1) * 100),
				FileName: fileName, TransferredBytes: transferred, TotalBytes: totalBytes,
			})
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return sshpoolerr.Wrap(sshpoolerr.OperationError, errCtx, fmt.Errorf("read chunk: %w", readErr))
		}
	}
}

// DownloadFile streams remotePath to localPath under downloadRoot.
func (m *Manager) DownloadFile(s *pool.PooledSession, tabID, remotePath, downloadRoot string, progressCb ProgressFunc) Result {
	transferKey := newTransferKey(tabID, "download")
	t, ctx := m.registerToken(transferKey)
	defer m.releaseToken(transferKey)

	m.publish(events.TransferScheduled, transferKey)

	attrs, err := m.sftp.Stat(s, remotePath)
	if err != nil {
		return m.fail(transferKey, fmt.Sprintf("stat remote file: %v", err))
	}

	localPath, err := fileutil.SafeJoin(downloadRoot, filepath.Base(remotePath))
	if err != nil {
		return m.fail(transferKey, fmt.Sprintf("resolve download path: %v", err))
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return m.fail(transferKey, err.Error())
	}

	remote, err := m.sftp.Open(s, remotePath)
	if err != nil {
		return m.fail(transferKey, err.Error())
	}
	defer remote.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return m.fail(transferKey, err.Error())
	}
	defer dst.Close()

	err = m.copyChunks(ctx, s.Key, remote, dst, attrs.Size, transferKey, filepath.Base(remotePath), progressCb)
	return m.finish(transferKey, t, err, localPath)
}

// UploadFolder walks localRoot depth-first, creating remote directories on
// demand, uploading files with bounded concurrency, and accumulating
// per-file failures into a partial-success warning (spec §4.6).
func (m *Manager) UploadFolder(s *pool.PooledSession, tabID, localRoot, remoteRoot string, progressCb ProgressFunc) Result {
	transferKey := newTransferKey(tabID, "upload-folder")
	t, ctx := m.registerToken(transferKey)
	defer m.releaseToken(transferKey)
	m.publish(events.TransferScheduled, transferKey)

	var mu sync.Mutex
	var failures []string
	var processed, total int

	if err := filepath.WalkDir(localRoot, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			total++
		}
		return err
	}); err != nil {
		return m.fail(transferKey, err.Error())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(folderConcurrency)

	walkErr := filepath.WalkDir(localRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if t.Cancelled() {
			return fmt.Errorf("transfer cancelled")
		}
		rel, relErr := filepath.Rel(localRoot, p)
		if relErr != nil {
			return relErr
		}
		remotePath := remoteRoot
		if rel != "." {
			remotePath = path.Join(remoteRoot, filepath.ToSlash(rel))
		}

		if d.IsDir() {
			if err := m.sftp.MkdirAll(s, remotePath); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", rel, err))
				mu.Unlock()
			}
			return nil
		}

		fileName := filepath.Base(p)
		g.Go(func() error {
			if err := m.streamUpload(gctx, s, p, remotePath, 0, transferKey, nil); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", rel, err))
				mu.Unlock()
			}
			mu.Lock()
			processed++
			n := processed
			mu.Unlock()
			if progressCb != nil {
				progressCb(events.TransferProgressPayload{
					TransferKey: transferKey, FileName: fileName, CurrentFile: fileName,
					ProcessedFiles: n, TotalFiles: total,
					Progress: clampProgress(float64(n) / atLeast(float64(total), 1) * 100),
				})
			}
			return nil
		})
		return nil
	})
	_ = g.Wait()

	if walkErr != nil && !t.Cancelled() {
		return m.fail(transferKey, walkErr.Error())
	}

	if t.Cancelled() {
		return m.cancelResult(transferKey)
	}
	if len(failures) > 0 {
		return m.finishPartial(transferKey, failures)
	}
	m.publish(events.TransferCompleted, events.TransferTerminalPayload{TransferKey: transferKey, Success: true})
	return Result{Success: true}
}

// DownloadFolder mirrors remoteRoot's tree under downloadRoot.
func (m *Manager) DownloadFolder(s *pool.PooledSession, tabID, remoteRoot, downloadRoot string, progressCb ProgressFunc) Result {
	transferKey := newTransferKey(tabID, "download-folder")
	t, ctx := m.registerToken(transferKey)
	defer m.releaseToken(transferKey)
	m.publish(events.TransferScheduled, transferKey)

	localRoot, err := fileutil.SafeJoin(downloadRoot, filepath.Base(remoteRoot))
	if err != nil {
		return m.fail(transferKey, fmt.Sprintf("resolve download root: %v", err))
	}
	var failures []string
	processed := 0

	err = m.walkRemote(ctx, s, remoteRoot, func(remotePath string, isDir bool) error {
		if t.Cancelled() {
			return fmt.Errorf("transfer cancelled")
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(remotePath, remoteRoot), "/")
		localPath, err := fileutil.SafeJoin(localRoot, filepath.FromSlash(rel))
		if err != nil {
			return fmt.Errorf("resolve local path for %q: %w", rel, err)
		}

		if isDir {
			return os.MkdirAll(localPath, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return err
		}
		remote, err := m.sftp.Open(s, remotePath)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", rel, err))
			return nil
		}
		defer remote.Close()
		dst, err := os.Create(localPath)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", rel, err))
			return nil
		}
		defer dst.Close()
		if err := m.copyChunks(ctx, s.Key, remote, dst, 0, transferKey, filepath.Base(remotePath), nil); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", rel, err))
		}
		processed++
		if progressCb != nil {
			progressCb(events.TransferProgressPayload{TransferKey: transferKey, ProcessedFiles: processed, FileName: filepath.Base(remotePath)})
		}
		return nil
	})

	if err != nil && !t.Cancelled() {
		return m.fail(transferKey, err.Error())
	}
	if t.Cancelled() {
		return m.cancelResult(transferKey)
	}
	if len(failures) > 0 {
		r := m.finishPartial(transferKey, failures)
		r.DownloadPath = localRoot
		return r
	}
	m.publish(events.TransferCompleted, events.TransferTerminalPayload{TransferKey: transferKey, Success: true, DownloadPath: localRoot})
	return Result{Success: true, DownloadPath: localRoot}
}

// walkRemote recurses a remote directory tree via readdir, invoking visit
// for every entry (spec §4.6 "remote readdir recursion").
func (m *Manager) walkRemote(ctx context.Context, s *pool.PooledSession, root string, visit func(p string, isDir bool) error) error {
	entries, err := m.sftp.ListDir(s, root, sftpmgr.PriorityNormal)
	if err != nil {
		return err
	}
	if err := visit(root, true); err != nil {
		return err
	}
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return fmt.Errorf("transfer cancelled")
		default:
		}
		p := path.Join(root, e.Name)
		if e.Type == "dir" {
			if err := m.walkRemote(ctx, s, p, visit); err != nil {
				return err
			}
			continue
		}
		if err := visit(p, false); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) fail(transferKey, msg string) Result {
	m.publish(events.TransferFailed, events.TransferTerminalPayload{TransferKey: transferKey, Error: msg})
	return Result{Error: msg}
}

func (m *Manager) cancelResult(transferKey string) Result {
	m.publish(events.TransferCancelled, events.TransferTerminalPayload{TransferKey: transferKey})
	return Result{Success: false, Message: "cancelled"}
}

func (m *Manager) finishPartial(transferKey string, failures []string) Result {
	warning := fmt.Sprintf("%d file(s) failed: %s", len(failures), strings.Join(failures, "; "))
	m.publish(events.TransferCompleted, events.TransferTerminalPayload{TransferKey: transferKey, Success: true, PartialSuccess: true, Warning: warning})
	return Result{Success: true, PartialSuccess: true, Warning: warning}
}

func (m *Manager) finish(transferKey string, t *token, err error, downloadPath string) Result {
	if err == nil {
		m.publish(events.TransferCompleted, events.TransferTerminalPayload{TransferKey: transferKey, Success: true, DownloadPath: downloadPath})
		return Result{Success: true, DownloadPath: downloadPath}
	}
	if t.Cancelled() || sshpoolerr.IsCancelled(err) || isCancellationMessage(err.Error()) {
		return m.cancelResult(transferKey)
	}
	return m.fail(transferKey, err.Error())
}

// FormatSize renders n bytes for UI display, grounded on the same
// humanize usage as the rest of the host app's size formatting.
func FormatSize(n int64) string {
	return humanize.Bytes(uint64(n))
}
