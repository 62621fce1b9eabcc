package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const certCheckInterval = time.Minute

// certLoader serves a TLS key pair from disk and re-reads it when either
// file's modification time moves past the last load.
type certLoader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cert      *tls.Certificate
	loadedAt  time.Time
	lastCheck time.Time
}

func newCertLoader(certFile, keyFile string, logger *slog.Logger) (*certLoader, error) {
	l := &certLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		interval: certCheckInterval,
		now:      time.Now,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// GetCertificate implements tls.Config.GetCertificate. Errors while
// re-reading keep the previous pair in service.
func (l *certLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCheck) < l.interval {
		return l.cert, nil
	}
	l.lastCheck = now

	changed, err := l.changed()
	if err != nil {
		l.logger.Error("checking tls key pair", "error", err)
		return l.cert, nil
	}
	if changed {
		if err := l.load(); err != nil {
			l.logger.Error("reloading tls key pair", "error", err)
		}
	}
	return l.cert, nil
}

func (l *certLoader) changed() (bool, error) {
	for _, path := range []string{l.certFile, l.keyFile} {
		info, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		if info.ModTime().After(l.loadedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (l *certLoader) load() error {
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return fmt.Errorf("loading tls key pair: %w", err)
	}
	l.cert = &cert
	l.loadedAt = l.now()
	l.logger.Info("loaded tls key pair", "cert", l.certFile)
	return nil
}

func (l *certLoader) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: l.GetCertificate,
	}
}
