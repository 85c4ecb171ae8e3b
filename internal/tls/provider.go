package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// FileProvider loads the listener certificate from files and reloads it
// when they change. A failed reload keeps the previous certificate.
type FileProvider struct {
	config  Config
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time

	certificate atomic.Pointer[tls.Certificate]
	clientCA    atomic.Pointer[x509.CertPool]

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	closed  bool
	started bool
}

// Option configures a FileProvider.
type Option func(*FileProvider)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *FileProvider) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *FileProvider) {
		p.metrics = m
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(p *FileProvider) {
		p.now = now
	}
}

// NewFileProvider validates cfg and loads the initial certificate and CA.
func NewFileProvider(cfg Config, opts ...Option) (*FileProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &FileProvider{
		config:    cfg,
		logger:    observability.NopLogger(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = orDefault(p.metrics)

	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

// Start begins watching the certificate files. The watcher stops on ctx
// cancellation or Close.
func (p *FileProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	if p.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Directories are watched so that atomic symlink swaps are observed.
	dirs := map[string]struct{}{}
	for _, f := range p.files() {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return NewCertificateError(dir, "failed to watch directory", err)
		}
	}

	p.watcher = watcher
	p.started = true
	go p.watchLoop(ctx)

	p.logger.Info("watching listener certificate",
		observability.String("cert_file", p.config.CertFile),
		observability.String("key_file", p.config.KeyFile),
	)
	return nil
}

// GetCertificate returns the current certificate. It has the signature of
// tls.Config.GetCertificate.
func (p *FileProvider) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := p.certificate.Load()
	if cert == nil {
		return nil, ErrCertificateNotFound
	}
	return cert, nil
}

// ClientCA returns the current client CA pool, or nil if none is configured.
func (p *FileProvider) ClientCA() *x509.CertPool {
	return p.clientCA.Load()
}

// Leaf returns the parsed leaf of the current certificate.
func (p *FileProvider) Leaf() *x509.Certificate {
	cert := p.certificate.Load()
	if cert == nil {
		return nil
	}
	return cert.Leaf
}

// Close stops the watcher. It is safe to call more than once.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)
	if !started {
		return nil
	}
	<-p.stoppedCh
	return p.watcher.Close()
}

// Reload reloads the certificate and CA from disk.
func (p *FileProvider) Reload() error {
	err := p.load()
	p.metrics.recordReload(err)
	if err != nil {
		p.logger.Error("certificate reload failed, keeping previous certificate",
			observability.Error(err),
		)
		return err
	}
	return nil
}

func (p *FileProvider) files() []string {
	files := []string{p.config.CertFile, p.config.KeyFile}
	if p.config.ClientCAFile != "" {
		files = append(files, p.config.ClientCAFile)
	}
	return files
}

func (p *FileProvider) load() error {
	cert, err := tls.LoadX509KeyPair(p.config.CertFile, p.config.KeyFile)
	if err != nil {
		return NewCertificateError(p.config.CertFile, "failed to load key pair", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return NewCertificateError(p.config.CertFile, "failed to parse certificate", err)
	}
	if p.now().After(leaf.NotAfter) {
		return NewCertificateError(p.config.CertFile, "not after "+leaf.NotAfter.UTC().Format(time.RFC3339), ErrCertificateExpired)
	}
	cert.Leaf = leaf

	var pool *x509.CertPool
	if p.config.ClientCAFile != "" {
		data, err := os.ReadFile(p.config.ClientCAFile) // #nosec G304 -- CA file path from config
		if err != nil {
			return NewCertificateError(p.config.ClientCAFile, "failed to read CA file", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return NewCertificateError(p.config.ClientCAFile, "no certificates found", ErrCAInvalid)
		}
	}

	p.certificate.Store(&cert)
	if pool != nil {
		p.clientCA.Store(pool)
	}
	p.metrics.expiry.Set(float64(leaf.NotAfter.Unix()))

	p.logger.Info("certificate loaded",
		observability.String("subject", leaf.Subject.CommonName),
		observability.Time("not_before", leaf.NotBefore),
		observability.Time("not_after", leaf.NotAfter),
	)
	return nil
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.stoppedCh)

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !p.relevant(event) {
				continue
			}
			p.logger.Debug("certificate file changed",
				observability.String("path", event.Name),
				observability.String("op", event.Op.String()),
			)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(p.config.debounce())
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			_ = p.Reload()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("certificate watcher error", observability.Error(err))
		}
	}
}

func (p *FileProvider) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	for _, f := range p.files() {
		if name == filepath.Clean(f) {
			return true
		}
	}
	// Kubernetes-style secret mounts swap a ..data symlink.
	return filepath.Base(name) == "..data"
}
