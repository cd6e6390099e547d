// Package cache holds the feature, property and segment maps evaluated by the
// SDK. Reloads build a new snapshot and publish it atomically; lookups read
// the published snapshot without locking.
package cache

import (
	"fmt"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/internal/apperr"
	"github.com/TimurManjosov/appconfig/internal/rules"
	"github.com/TimurManjosov/appconfig/internal/snapshot"
	"github.com/TimurManjosov/appconfig/internal/store"
	"github.com/TimurManjosov/appconfig/internal/telemetry"
)

// Reload sources, used as the metrics label.
const (
	SourceNetwork    = "network"
	SourceBootstrap  = "bootstrap"
	SourcePersistent = "persistent"
)

// Options configures a Cache.
type Options struct {
	// Files reads and writes documents. Nil uses the OS filesystem.
	Files *store.FileStore
	// BootstrapFile is an optional document loaded at setup.
	BootstrapFile string
	// PersistentCacheDir holds appconfiguration.json when set.
	PersistentCacheDir string
	// LiveUpdates reports whether the network keeps the cache fresh.
	LiveUpdates bool

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Cache is the configuration cache. It is safe for concurrent use.
type Cache struct {
	opts    Options
	files   *store.FileStore
	logger  *zap.Logger
	metrics *telemetry.Metrics

	holder *snapshot.Holder
	// reloadMu serializes reloads so a reader never triggers overlapping rebuilds.
	reloadMu sync.Mutex
	// diskStale is set while the published snapshot holds a fetched document
	// the persistent cache failed to store. Guarded by reloadMu.
	diskStale bool

	listenerMu sync.RWMutex
	listener   func()
}

// New creates an empty cache.
func New(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	files := opts.Files
	if files == nil {
		files = store.NewFileStore(nil, logger)
	}
	return &Cache{
		opts:    opts,
		files:   files,
		logger:  logger.Named("cache"),
		metrics: opts.Metrics,
		holder:  snapshot.NewHolder(),
	}
}

// PersistentPath returns the persistent cache file, or "" when disabled.
func (c *Cache) PersistentPath() string {
	return store.CachePath(c.opts.PersistentCacheDir)
}

// Load parses data and replaces every category present in it. Categories
// absent from data keep their current content.
func (c *Cache) Load(data []byte, source string) error {
	_, err := c.load(data, source)
	return err
}

func (c *Cache) load(data []byte, source string) (bool, error) {
	doc, err := store.ParseDocument(data, c.logger)
	if err != nil {
		return false, err
	}
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	return c.applyLocked(doc, source), nil
}

// ApplyFetched writes a fetched document to the persistent cache and then
// publishes it. It reports whether the published snapshot changed.
func (c *Cache) ApplyFetched(data []byte) (bool, error) {
	doc, err := store.ParseDocument(data, c.logger)
	if err != nil {
		return false, err
	}
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	if path := c.PersistentPath(); path != "" {
		c.diskStale = !c.persistLocked(path, data)
	}
	return c.applyLocked(doc, SourceNetwork), nil
}

// applyLocked publishes doc merged into the current snapshot. A merge that
// changes nothing is not republished. Requires reloadMu.
func (c *Cache) applyLocked(doc *store.Document, source string) bool {
	cur := c.holder.Load()
	next := cur.Merge(doc)
	if next.ETag == cur.ETag {
		c.logger.Debug("cache unchanged", zap.String("source", source))
		return false
	}
	c.holder.Update(next)
	c.metrics.ObserveReload(source, len(next.Features), len(next.Properties), len(next.Segments))
	c.logger.Debug("cache reloaded",
		zap.String("source", source),
		zap.Int("features", len(next.Features)),
		zap.Int("properties", len(next.Properties)),
		zap.Int("segments", len(next.Segments)))
	return true
}

// LoadInitial builds the cache from local sources before any network activity.
//
// With live updates a non-empty persistent cache wins over the bootstrap
// file, and a bootstrap document is copied into an empty persistent cache.
// Without live updates only the bootstrap file is read.
func (c *Cache) LoadInitial() error {
	bootstrap := c.opts.BootstrapFile
	persistent := c.PersistentPath()

	if !c.opts.LiveUpdates {
		if bootstrap == "" {
			return fmt.Errorf("%w: a bootstrap file is required when live updates are disabled", apperr.ErrConfiguration)
		}
		_, err := c.loadFile(bootstrap, SourceBootstrap)
		return err
	}

	if persistent != "" {
		if data := c.files.ReadDocument(persistent); !store.IsEmptyDocument(data) {
			return c.Load(data, SourcePersistent)
		}
	}
	if bootstrap == "" {
		return nil
	}
	data := c.files.ReadDocument(bootstrap)
	if data == nil {
		c.logger.Warn("bootstrap file missing or unreadable", zap.String("path", bootstrap))
		return nil
	}
	if err := c.Load(data, SourceBootstrap); err != nil {
		return fmt.Errorf("load bootstrap file: %w", err)
	}
	if persistent != "" {
		c.reloadMu.Lock()
		c.persistLocked(persistent, data)
		c.reloadMu.Unlock()
	}
	return nil
}

// ReloadBootstrap re-reads the bootstrap file. Used by the offline file
// watcher. It reports whether the published snapshot changed; a missing
// file changes nothing.
func (c *Cache) ReloadBootstrap() (bool, error) {
	if c.opts.BootstrapFile == "" {
		return false, nil
	}
	return c.loadFile(c.opts.BootstrapFile, SourceBootstrap)
}

func (c *Cache) persistLocked(path string, data []byte) bool {
	if err := c.files.WriteDocument(path, data); err != nil {
		c.logger.Warn("write persistent cache failed", zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

func (c *Cache) loadFile(path, source string) (bool, error) {
	data := c.files.ReadDocument(path)
	if data == nil {
		c.logger.Warn("configuration file missing or unreadable", zap.String("path", path))
		return false, nil
	}
	changed, err := c.load(data, source)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return changed, nil
}

// reloadFromLocal re-reads the local source backing the cache. It is the
// self-healing step taken when a lookup misses. A persistent cache older
// than the published network snapshot is left alone.
func (c *Cache) reloadFromLocal() {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	var path, source string
	switch {
	case !c.opts.LiveUpdates && c.opts.BootstrapFile != "":
		path, source = c.opts.BootstrapFile, SourceBootstrap
	case c.PersistentPath() != "" && !c.diskStale:
		path, source = c.PersistentPath(), SourcePersistent
	default:
		return
	}

	data := c.files.ReadDocument(path)
	if store.IsEmptyDocument(data) {
		return
	}
	doc, err := store.ParseDocument(data, c.logger)
	if err != nil {
		c.logger.Warn("self-healing reload failed", zap.String("source", source), zap.Error(err))
		return
	}
	c.applyLocked(doc, source)
}

// Snapshot returns the current published snapshot. Callers must not mutate it.
func (c *Cache) Snapshot() *snapshot.Snapshot {
	return c.holder.Load()
}

// Feature returns the feature with id. A miss triggers one reload from the
// local source before reporting ErrNotFound.
func (c *Cache) Feature(id string) (store.Feature, error) {
	return lookup(c, id, "feature", func(s *snapshot.Snapshot) (store.Feature, bool) {
		f, ok := s.Features[id]
		return f, ok
	})
}

// Property returns the property with id, with the same reload-on-miss as Feature.
func (c *Cache) Property(id string) (store.Property, error) {
	return lookup(c, id, "property", func(s *snapshot.Snapshot) (store.Property, bool) {
		p, ok := s.Properties[id]
		return p, ok
	})
}

// Segment returns the segment with id, with the same reload-on-miss as Feature.
func (c *Cache) Segment(id string) (rules.Segment, error) {
	return lookup(c, id, "segment", func(s *snapshot.Snapshot) (rules.Segment, bool) {
		seg, ok := s.Segments[id]
		return seg, ok
	})
}

func lookup[T any](c *Cache, id, kind string, get func(*snapshot.Snapshot) (T, bool)) (T, error) {
	if v, ok := get(c.holder.Load()); ok {
		return v, nil
	}
	c.reloadFromLocal()
	if v, ok := get(c.holder.Load()); ok {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("%w: invalid %s id %q", apperr.ErrNotFound, kind, id)
}

// Features returns a copy of the feature map.
func (c *Cache) Features() map[string]store.Feature {
	return maps.Clone(c.holder.Load().Features)
}

// Properties returns a copy of the property map.
func (c *Cache) Properties() map[string]store.Property {
	return maps.Clone(c.holder.Load().Properties)
}

// Segments returns a copy of the segment map.
func (c *Cache) Segments() map[string]rules.Segment {
	return maps.Clone(c.holder.Load().Segments)
}

// Subscribe delivers the ETag of every published snapshot.
func (c *Cache) Subscribe() (<-chan string, func()) {
	return c.holder.Subscribe()
}

// SetUpdateListener registers fn to be called after each network-driven
// reload. A nil fn removes the listener.
func (c *Cache) SetUpdateListener(fn func()) {
	c.listenerMu.Lock()
	c.listener = fn
	c.listenerMu.Unlock()
}

// NotifyUpdate invokes the update listener, if any. A panicking listener is
// logged and does not propagate.
func (c *Cache) NotifyUpdate() {
	c.listenerMu.RLock()
	fn := c.listener
	c.listenerMu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("update listener panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
