package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes on disk. A file that fails
// to load is logged and ignored, leaving the previous config active.
type Watcher struct {
	Path     string
	Debounce time.Duration
	Logger   zerolog.Logger

	OnChange func(*Root)
	OnError  func(error)
}

// Watch blocks until ctx is cancelled. The parent directory is watched
// rather than the file so editors that replace the file are handled.
func (w *Watcher) Watch(ctx context.Context) error {
	path, err := filepath.Abs(w.Path)
	if err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	log := w.Logger.With().Str("component", "config_watcher").Str("path", path).Logger()
	log.Info().Dur("debounce", debounce).Msg("watching config")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Debug().Str("op", ev.Op.String()).Msg("config file event")

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() { w.reload(ctx, path, log) })
			mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context, path string, log zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := Load(path)
	if err != nil {
		log.Error().Err(err).Msg("config reload failed, keeping previous config")
		if w.OnError != nil {
			w.OnError(err)
		}
		return
	}
	log.Info().Int("routes", len(cfg.Routes)).Msg("config reloaded")
	if w.OnChange != nil {
		w.OnChange(cfg)
	}
}
