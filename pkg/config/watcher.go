/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/lexgraph/lexgraph/pkg/utils/pretty"
)

// Watcher reloads a layer file when it changes on disk. A reload that fails
// validation keeps the previous layers; hooks fire only when the installed
// layers actually changed.
type Watcher struct {
	loader  *DefaultLoader
	path    string
	fsw     *fsnotify.Watcher
	monitor *pretty.ChangeMonitor

	mu       sync.Mutex
	onReload []func(context.Context)
}

func NewWatcher(loader *DefaultLoader, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher, %w", err)
	}
	// Watch the directory rather than the file so editors and config mounts
	// that replace the file atomically are still observed.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching config directory, %w", err)
	}
	return &Watcher{
		loader:  loader,
		path:    path,
		fsw:     fsw,
		monitor: pretty.NewChangeMonitor(),
	}, nil
}

// OnReload registers a hook invoked after each effective reload.
func (w *Watcher) OnReload(fn func(context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Start consumes filesystem events until ctx is done, then closes the
// underlying watcher.
func (w *Watcher) Start(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx).WithName("config.watcher")
	go func() {
		defer func() { _ = w.fsw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				w.reload(ctx, log)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				log.Error(err, "watching config file", "path", w.path)
			}
		}
	}()
}

func (w *Watcher) reload(ctx context.Context, log logr.Logger) {
	if err := w.loader.LoadFile(w.path); err != nil {
		log.Error(err, "reloading config, keeping previous layers", "path", w.path)
		return
	}
	w.loader.mu.RLock()
	layers := struct {
		Global  *Overrides
		Domains map[string]*Overrides
	}{w.loader.global, w.loader.domains}
	w.loader.mu.RUnlock()
	if !w.monitor.HasChanged("layers", layers) {
		return
	}
	log.V(1).Info("reloaded config layers", "path", w.path, "domains", len(layers.Domains))
	w.mu.Lock()
	hooks := append([]func(context.Context){}, w.onReload...)
	w.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}
