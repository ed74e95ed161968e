package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the new, validated config on every successful reload.
// It runs synchronously on the watcher goroutine — keep it fast.
type ReloadFunc func(newCfg *Config)

// Watcher watches the config file and invokes a callback with the reloaded
// config. Two detection mechanisms run together: fsnotify for low-latency
// events on real filesystems, and periodic content-hash polling to catch
// Kubernetes ConfigMap volume updates, which swap a "..data" symlink and
// often produce no inotify events.
type Watcher struct {
	path         string
	dir          string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Watching starts on Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fileState snapshots the signals used to detect out-of-band file changes:
// the "..data" symlink target in the parent directory (instant detection of
// a Kubernetes volume swap) and the content hash of the files themselves.
type fileState struct {
	dataLink string
	paths    []string
	target   string
	hashes   []string
}

func newFileState(dir string, paths ...string) *fileState {
	fs := &fileState{
		dataLink: filepath.Join(dir, "..data"),
		paths:    paths,
		hashes:   make([]string, len(paths)),
	}
	fs.capture()
	return fs
}

// capture re-records the current symlink target and content hashes.
func (fs *fileState) capture() {
	fs.target = readlink(fs.dataLink)
	for i, p := range fs.paths {
		fs.hashes[i] = hashFile(p)
	}
}

// changed reports whether any watched file differs from the last capture.
func (fs *fileState) changed() bool {
	if target := readlink(fs.dataLink); target != "" && target != fs.target {
		return true
	}
	for i, p := range fs.paths {
		if hashFile(p) != fs.hashes[i] {
			return true
		}
	}
	return false
}

// Start begins watching the config file. Blocks until the context is
// canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the directory, not just the file: atomic saves and ConfigMap
	// swaps replace the inode, which drops a file-only watch.
	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	state := newFileState(w.dir, w.path)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()
			state.capture()

		case <-poll.C:
			if state.changed() {
				state.capture()
				w.logger.Debug("config change detected via polling", "path", w.path)
				w.reload()
			}

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

// reload loads and publishes the new config. On failure the previous config
// stays in effect.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(newCfg)
}

// Stop terminates the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// CertCallback is called when the TLS certificate files change on disk.
type CertCallback func(certFile, keyFile string)

// CertWatcher polls TLS certificate files for changes. Cert files usually
// live in a Kubernetes Secret volume, where inotify misses the symlink swap,
// so polling is the only reliable signal.
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS certificate file watcher. Polling starts on
// Start.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start begins polling the certificate files. Blocks until the context is
// canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cw.cancel = context.WithCancel(ctx)

	state := newFileState(filepath.Dir(cw.certFile), cw.certFile, cw.keyFile)
	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			if state.changed() {
				state.capture()
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.callback(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop terminates the cert watcher goroutine.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or "" if the file
// cannot be read. Hashing follows symlinks, so a volume swap changes it.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if path is not a symlink.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
