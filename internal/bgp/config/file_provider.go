package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileProvider loads a YAML configuration document from disk and emits
// Add/Change/Delete events as the file changes, watched with fsnotify the
// same way the teacher's CertificateLoader watches a certificate pair for
// rotation.
type FileProvider struct {
	path string
	log  *slog.Logger

	watcher *fsnotify.Watcher
	events  chan Event
	done    chan struct{}

	closeOnce sync.Once

	mu   sync.Mutex
	last *document
}

// NewFileProvider loads path once, then watches it for further changes.
func NewFileProvider(path string, log *slog.Logger) (*FileProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	fp := &FileProvider{
		path:   path,
		log:    log,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	doc, err := loadDocument(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	fp.last = doc
	fp.emitInitial(doc)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	fp.watcher = watcher
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	go fp.watchLoop()
	return fp, nil
}

func loadDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	doc := &document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("validate config file: %w", err)
	}
	return doc, nil
}

// Events returns the channel configuration changes arrive on.
func (fp *FileProvider) Events() <-chan Event { return fp.events }

// Close stops the file watcher.
func (fp *FileProvider) Close() error {
	fp.closeOnce.Do(func() {
		close(fp.done)
		if fp.watcher != nil {
			fp.watcher.Close()
		}
	})
	return nil
}

func (fp *FileProvider) watchLoop() {
	for {
		select {
		case event, ok := <-fp.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				fp.reload()
			}
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				fp.log.Info("config file rotated, re-watching", "file", event.Name)
				fp.watcher.Remove(event.Name)
				if err := fp.watcher.Add(fp.path); err != nil {
					fp.log.Warn("failed to re-watch config file after rotation", "error", err)
					continue
				}
				fp.reload()
			}
		case err, ok := <-fp.watcher.Errors:
			if !ok {
				return
			}
			fp.log.Error("config watcher error", "error", err)
		case <-fp.done:
			return
		}
	}
}

func (fp *FileProvider) reload() {
	doc, err := loadDocument(fp.path)
	if err != nil {
		fp.log.Error("failed to reload config, keeping previous generation", "error", err)
		return
	}

	fp.mu.Lock()
	prev := fp.last
	fp.last = doc
	fp.mu.Unlock()

	fp.diffAndEmit(prev, doc)
	fp.log.Info("config reloaded", "file", fp.path)
}

// emitInitial synthesizes Add events for every object in the first load.
func (fp *FileProvider) emitInitial(doc *document) {
	fp.diffAndEmit(&document{}, doc)
}

func (fp *FileProvider) diffAndEmit(prev, next *document) {
	if prev.Protocol != next.Protocol {
		p := next.Protocol
		kind := Change
		if prev.Protocol == (ProtocolConfig{}) {
			kind = Add
		}
		fp.send(Event{Kind: kind, Object: &p})
	}

	diffSlice(prev.Instances, next.Instances,
		func(c *InstanceConfig) string { return c.Key() },
		func(ev Event) { fp.send(ev) })
	diffSlice(prev.Neighbors, next.Neighbors,
		func(c *NeighborConfig) string { return c.Key() },
		func(ev Event) { fp.send(ev) })
	diffSlice(prev.Policies, next.Policies,
		func(c *PolicyConfig) string { return c.Key() },
		func(ev Event) { fp.send(ev) })
}

func (fp *FileProvider) send(ev Event) {
	select {
	case fp.events <- ev:
	case <-fp.done:
	}
}

// diffSlice compares two generations of one configuration record type keyed
// by a caller-supplied identity, emitting Add for new keys, Delete for
// vanished keys, and Change for keys whose value differs.
func diffSlice[T any](prev, next []T, key func(*T) string, emit func(Event)) {
	prevByKey := make(map[string]*T, len(prev))
	for i := range prev {
		prevByKey[key(&prev[i])] = &prev[i]
	}
	nextByKey := make(map[string]*T, len(next))
	for i := range next {
		nextByKey[key(&next[i])] = &next[i]
	}

	for k, n := range nextByKey {
		if p, ok := prevByKey[k]; ok {
			if !reflect.DeepEqual(p, n) {
				emit(Event{Kind: Change, Object: n})
			}
			continue
		}
		emit(Event{Kind: Add, Object: n})
	}
	for k, p := range prevByKey {
		if _, ok := nextByKey[k]; !ok {
			emit(Event{Kind: Delete, Object: p})
		}
	}
}
