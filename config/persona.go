package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Persona is a system prompt loaded from a file. It is safe for concurrent
// use; Text always returns the last successfully loaded version.
type Persona struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	text string
}

// LoadPersona reads the persona at path. An empty path yields a persona
// with no text.
func LoadPersona(path string, logger *slog.Logger) (*Persona, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persona{path: path, logger: logger}
	if path == "" {
		return p, nil
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Text returns the current system prompt.
func (p *Persona) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

// Path returns the watched file.
func (p *Persona) Path() string { return p.path }

// Reload re-reads the file. On error the previous text is kept.
func (p *Persona) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("reading persona %s: %w", p.path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fmt.Errorf("persona %s is empty", p.path)
	}

	p.mu.Lock()
	p.text = text
	p.mu.Unlock()
	return nil
}

// Watch reloads the persona whenever its file is written or replaced. It
// returns once the watcher is registered; watching stops when ctx is done.
// The parent directory is watched so editors that rename over the file are
// picked up.
func (p *Persona) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", p.path, err)
	}

	target := filepath.Clean(p.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					if err := p.Reload(); err != nil {
						p.logger.Warn("persona reload failed", "error", err)
						continue
					}
					p.logger.Info("persona reloaded", "path", p.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("persona watch error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
