package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/agentd/internal/thread"
)

// ReloadPrompt installs new instruction text by appending a fresh
// system_prompt event. History is never rewritten; replay picks the
// latest prompt.
func (a *Agent) ReloadPrompt(ctx context.Context, content string) error {
	if content == "" {
		return nil
	}
	_, err := a.store.AppendEvent(ctx, a.cfg.ThreadID, thread.SystemPrompt{Content: content})
	return err
}

// PromptWatcher watches a system prompt file and emits its new content
// when it changes. Editors save through rename and temp files, so the
// parent directory is watched and events are debounced.
type PromptWatcher struct {
	path   string
	logger *slog.Logger
	events chan string
}

func NewPromptWatcher(path string, logger *slog.Logger) *PromptWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptWatcher{
		path:   path,
		logger: logger,
		events: make(chan string, 4),
	}
}

// Events delivers the file's content after each settled change. The
// channel closes when the watcher stops.
func (w *PromptWatcher) Events() <-chan string {
	return w.events
}

func (w *PromptWatcher) Start(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("prompt watcher: abs: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompt watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("prompt watcher: watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		// Debounce bursts of events.
		var pending bool
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			if !pending {
				return
			}
			pending = false
			data, err := os.ReadFile(abs)
			if err != nil {
				w.logger.Warn("prompt watcher: read failed", "path", abs, "error", err)
				return
			}
			select {
			case w.events <- string(data):
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Base(ev.Name) != filepath.Base(abs) {
					continue
				}
				pending = true
				if timer == nil {
					timer = time.NewTimer(150 * time.Millisecond)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(150 * time.Millisecond)
				}
			case <-timerC:
				flush()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("prompt watcher: error", "error", err)
			}
		}
	}()
	return nil
}
