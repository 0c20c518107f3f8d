package tenantconfig

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"bitbucket.org/mmdatafocus/books_ledger/models"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 250 * time.Millisecond

// FileProvider serves the config loaded from a YAML file and reloads it on
// change. A file that fails to load leaves the last good config in place.
type FileProvider struct {
	path     string
	defaults Defaults
	logger   *logrus.Logger

	mu  sync.RWMutex
	cfg *Config
}

func NewFileProvider(path string, defaults Defaults, logger *logrus.Logger) (*FileProvider, error) {
	cfg, err := Load(path, defaults)
	if err != nil {
		return nil, err
	}
	return &FileProvider{path: path, defaults: defaults, logger: logger, cfg: cfg}, nil
}

func (p *FileProvider) current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *FileProvider) Mapping(_ context.Context, institutionId string) (models.AccountMapping, error) {
	return p.current().Mapping(institutionId), nil
}

func (p *FileProvider) Policy(_ context.Context, institutionId string) (models.InventoryPolicy, error) {
	return p.current().Policy(institutionId), nil
}

// Reload re-reads the file and swaps it in when valid.
func (p *FileProvider) Reload() error {
	cfg, err := Load(p.path, p.defaults)
	if err != nil {
		config.LogError(p.logger, "tenantconfig", "Reload", "load tenant config", p.path, err)
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	if p.logger != nil {
		p.logger.WithFields(logrus.Fields{
			"path":         p.path,
			"institutions": len(cfg.Institutions),
		}).Info("tenantconfig.reloaded")
	}
	return nil
}

// Watch blocks until ctx is done, reloading after writes to the file settle.
// The directory is watched so editors that replace the file are seen too.
func (p *FileProvider) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(p.path)); err != nil {
		return err
	}
	target := filepath.Clean(p.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = p.Reload()
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			config.LogError(p.logger, "tenantconfig", "Watch", "fsnotify", p.path, werr)
		}
	}
}
