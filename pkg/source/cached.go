package source

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/metafates/gache"
	"github.com/samber/mo"
	"github.com/spf13/afero"

	"github.com/heyjunin/HLSbrew/pkg/logger"
)

type cacheEntry struct {
	Metadata *Metadata        `json:"metadata,omitempty"`
	Catalog  []Representation `json:"catalog,omitempty"`
}

type cacheFile struct {
	Entries map[string]*cacheEntry `json:"entries"`
}

// Cached decorates a Source with a file-backed cache of metadata and catalogs.
// Streams always go to the wrapped source.
type Cached struct {
	next  Source
	cache *gache.Cache[*cacheFile]
	log   logger.Logger
	mu    sync.RWMutex
}

// NewCached caches next's lookups in a JSON file at path on fs. Entries expire
// together after lifetime; zero keeps them until the file is removed.
func NewCached(next Source, fs afero.Fs, path string, lifetime time.Duration, log logger.Logger) *Cached {
	if log == nil {
		log = logger.Nop()
	}
	return &Cached{
		next: next,
		cache: gache.New[*cacheFile](&gache.Options{
			Path:       path,
			Lifetime:   lifetime,
			FileSystem: gacheFs{fs},
		}),
		log: log,
	}
}

func (c *Cached) lookup(ref string) mo.Option[*cacheEntry] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, expired, err := c.cache.Get()
	if err != nil || expired || data == nil {
		return mo.None[*cacheEntry]()
	}
	if e, ok := data.Entries[ref]; ok {
		return mo.Some(e)
	}
	return mo.None[*cacheEntry]()
}

func (c *Cached) store(ref string, update func(*cacheEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, expired, err := c.cache.Get()
	if err != nil || expired || data == nil {
		data = &cacheFile{Entries: make(map[string]*cacheEntry)}
	}
	e, ok := data.Entries[ref]
	if !ok {
		e = &cacheEntry{}
		data.Entries[ref] = e
	}
	update(e)

	if err := c.cache.Set(data); err != nil {
		c.log.Warn("Failed to write source cache", "source", map[string]interface{}{
			"reference": ref,
			"error":     err.Error(),
		})
	}
}

// Metadata implements Source.
func (c *Cached) Metadata(ctx context.Context, ref string) (Metadata, error) {
	if e, ok := c.lookup(ref).Get(); ok && e.Metadata != nil {
		return *e.Metadata, nil
	}
	md, err := c.next.Metadata(ctx, ref)
	if err != nil {
		return Metadata{}, err
	}
	c.store(ref, func(e *cacheEntry) { e.Metadata = &md })
	return md, nil
}

// Catalog implements Source.
func (c *Cached) Catalog(ctx context.Context, ref string) ([]Representation, error) {
	if e, ok := c.lookup(ref).Get(); ok && len(e.Catalog) > 0 {
		return e.Catalog, nil
	}
	catalog, err := c.next.Catalog(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(catalog) > 0 {
		c.store(ref, func(e *cacheEntry) { e.Catalog = catalog })
	}
	return catalog, nil
}

// Stream implements Source.
func (c *Cached) Stream(ctx context.Context, ref string, rep Representation) (io.ReadCloser, int64, error) {
	return c.next.Stream(ctx, ref, rep)
}

// gacheFs adapts an afero.Fs to the filesystem gache persists through.
type gacheFs struct {
	fs afero.Fs
}

func (g gacheFs) OpenFile(name string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	return g.fs.OpenFile(name, flag, perm)
}

func (g gacheFs) MkdirAll(path string, perm os.FileMode) error {
	return g.fs.MkdirAll(path, perm)
}
