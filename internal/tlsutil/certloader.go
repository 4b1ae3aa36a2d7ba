// Package tlsutil loads the listener's TLS certificate and swaps in
// rotated cert material without a restart.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of filesystem events a certificate
// rotation produces into a single reload.
const reloadDebounce = 300 * time.Millisecond

// CertLoader serves the current certificate to TLS handshakes and
// refreshes it when the cert or key file changes on disk. The active
// certificate sits behind an atomic pointer so handshakes never contend
// with reloads.
type CertLoader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	active   atomic.Pointer[tls.Certificate]
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New loads the pair once and starts watching both files. A broken
// initial pair is an error; later breakage only logs and keeps the last
// good certificate.
func New(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if err := l.load(); err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating certificate watcher: %w", err)
	}
	for _, path := range []string{certFile, keyFile} {
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", path, err)
		}
	}
	l.watcher = watcher
	go l.watch()

	logger.Info("serving TLS certificate", "cert_file", certFile, "key_file", keyFile)
	return l, nil
}

// GetCertificate hands the active certificate to a TLS handshake; wire
// it to tls.Config.GetCertificate.
func (l *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return l.active.Load(), nil
}

// Reload re-reads the pair from disk. On failure the active certificate
// stays in place.
func (l *CertLoader) Reload() error {
	if err := l.load(); err != nil {
		l.logger.Error("certificate reload failed, keeping current",
			"cert_file", l.certFile, "error", err)
		return err
	}
	l.logger.Info("certificate reloaded", "cert_file", l.certFile)
	return nil
}

// Stop ends the file watcher. Safe to call more than once.
func (l *CertLoader) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.watcher.Close()
	})
}

func (l *CertLoader) load() error {
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return err
	}
	l.active.Store(&cert)
	return nil
}

// watch reloads after file events settle. Rotations that replace the
// file drop the kernel watch, so both paths are re-added before each
// reload.
func (l *CertLoader) watch() {
	var debounce *time.Timer

	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				l.rearm()
				l.Reload()
			})
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("certificate watcher error", "error", err)
		case <-l.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// rearm re-adds both paths to the watcher. Adding an already watched
// path is a no-op.
func (l *CertLoader) rearm() {
	for _, path := range []string{l.certFile, l.keyFile} {
		if err := l.watcher.Add(path); err != nil {
			l.logger.Warn("re-watching certificate file failed", "path", path, "error", err)
		}
	}
}
