// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/warden-dev/warden/internal/store"
)

// reloadActor is recorded on audit rows written by the watcher.
const reloadActor = "system:weights-reload"

// Watcher hot-reloads the weight document on file change. An invalid
// document is rejected and the previous weights stay active; every accepted
// change writes one config audit record per changed field.
type Watcher struct {
	path     string
	provider *WeightProvider
	audit    store.AuditStore
	log      *slog.Logger
}

// NewWatcher creates a watcher over the weight document at path.
func NewWatcher(path string, provider *WeightProvider, audit store.AuditStore, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{path: path, provider: provider, audit: audit, log: log}
}

// Run watches until ctx is cancelled. The parent directory is watched, not
// the file itself, so editors that replace the file atomically are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating weight watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire bursts of events for one save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.Reload(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("weight watcher error", "error", err)
		}
	}
}

// Reload re-reads the document, swaps it in when valid, and audits the
// field-level differences.
func (w *Watcher) Reload(ctx context.Context) {
	next, err := LoadWeightDocument(w.path)
	if err != nil {
		w.log.Error("weight document rejected, keeping previous version", "path", w.path, "error", err)
		return
	}

	prev := w.provider.Swap(next)
	w.log.Info("weight document reloaded",
		"path", w.path, "version", next.Version, "fields", len(next.Fields))
	w.auditChanges(ctx, prev, next)
}

func (w *Watcher) auditChanges(ctx context.Context, prev, next *WeightSet) {
	if w.audit == nil || prev == nil {
		return
	}

	prevFields := prev.byClass()
	now := time.Now()

	for _, f := range next.sorted() {
		old, existed := prevFields[f.FieldClass]
		if existed && old == f {
			delete(prevFields, f.FieldClass)
			continue
		}

		rec := &store.ConfigAuditRecord{
			ID:         uuid.NewString(),
			Actor:      reloadActor,
			Key:        "scoring.weights." + f.FieldClass,
			NewValue:   renderWeight(f),
			DocVersion: next.Version,
			CreatedAt:  now,
		}
		if existed {
			rec.OldValue = renderWeight(old)
			delete(prevFields, f.FieldClass)
		}
		if err := w.audit.AppendConfigAudit(ctx, rec); err != nil {
			w.log.Error("config audit append failed", "key", rec.Key, "error", err)
		}
	}

	// Anything left in prevFields was removed by the new document.
	for class, old := range prevFields {
		rec := &store.ConfigAuditRecord{
			ID:         uuid.NewString(),
			Actor:      reloadActor,
			Key:        "scoring.weights." + class,
			OldValue:   renderWeight(old),
			DocVersion: next.Version,
			CreatedAt:  now,
		}
		if err := w.audit.AppendConfigAudit(ctx, rec); err != nil {
			w.log.Error("config audit append failed", "key", rec.Key, "error", err)
		}
	}
}

func renderWeight(f FieldWeight) string {
	return fmt.Sprintf("weight=%g tolerance=%s", f.Weight, f.Tolerance)
}
