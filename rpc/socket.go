package rpc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WaitForSocket blocks until a file exists at path or ctx is done. Components
// started alongside the nucleus can race its socket creation; this waits on
// directory events instead of polling.
func WaitForSocket(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rpc: watch socket: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("rpc: watch %s: %w", filepath.Dir(path), err)
	}
	// Created between the first stat and Add.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	want := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("rpc: socket watcher closed")
			}
			if filepath.Clean(ev.Name) == want && ev.Op&fsnotify.Create == fsnotify.Create {
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("rpc: socket watcher closed")
			}
			return fmt.Errorf("rpc: watch socket: %w", err)
		}
	}
}
