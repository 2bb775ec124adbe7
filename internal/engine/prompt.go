package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ashureev/yai/internal/domain"
)

// PromptSource supplies the system prompt text.
type PromptSource interface {
	Prompt() string
}

// StaticPrompt is a fixed system prompt.
type StaticPrompt string

// Prompt implements PromptSource.
func (p StaticPrompt) Prompt() string { return string(p) }

// PromptFile is a system prompt read from disk and reloaded when the file
// changes.
type PromptFile struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	content string
}

// LoadPromptFile reads the prompt at path.
func LoadPromptFile(path string, logger *slog.Logger) (*PromptFile, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PromptFile{path: path, debounce: 200 * time.Millisecond, logger: logger}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Prompt implements PromptSource.
func (p *PromptFile) Prompt() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.content
}

func (p *PromptFile) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read prompt file %s: %w", p.path, err)
	}
	p.mu.Lock()
	p.content = string(data)
	p.mu.Unlock()
	return nil
}

// Watch reloads the prompt whenever the file is written or replaced, until
// ctx is done. The directory is watched so editors that rename over the file
// are picked up.
func (p *PromptFile) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch prompt dir: %w", err)
	}

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				p.logger.Warn("failed to close prompt watcher", "error", err)
			}
		}()

		var timer *time.Timer
		target := filepath.Clean(p.path)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(p.debounce, func() {
					if err := p.reload(); err != nil {
						p.logger.Warn("Prompt reload failed", "path", p.path, "error", err)
						return
					}
					p.logger.Info("Prompt reloaded", "path", p.path)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("Prompt watcher error", "error", err)
			}
		}
	}()
	return nil
}

// SystemMessage renders the system message for a turn: the prompt, a
// newline, then one "key: value" line per scope field.
func SystemMessage(prompt string, scope domain.ContextScope) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteByte('\n')
	for _, f := range scope.Fields() {
		b.WriteByte('\n')
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}
