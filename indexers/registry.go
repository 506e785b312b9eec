package indexers

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Empact/bitcoin/chainntfns"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

// Primer seeds a block filter index with externally prepared data before
// its engine starts processing blocks.
type Primer interface {
	// Prime loads the prepared data into the index. It runs after the
	// index has been initialized and before any block is processed.
	Prime(idx *BlockFilterIndex) error
}

// RegistryConfig houses the dependencies shared by every index the
// registry manages.
type RegistryConfig struct {
	// DataDir is the root directory index storage lives under. Each
	// index gets its own subdirectory.
	DataDir string

	// ChainParams identifies the chain the indexes serve.
	ChainParams chaincfg.Params

	// Chain is the view of the chain all indexes sync against.
	Chain chainntfns.ChainSource

	// Notifications fans live chain events out to the index engines.
	Notifications *chainntfns.SubscriptionManager

	// RetryInterval overrides the engines' pause after a transient
	// chain source failure. Zero means DefaultRetryInterval.
	RetryInterval time.Duration
}

// IndexOptions carries the per index knobs of Registry.Init.
type IndexOptions struct {
	// CacheSize is the size (in bytes) of the index's in memory filter
	// cache. Zero means DefaultFilterCacheSize.
	CacheSize uint64

	// MemoryOnly backs the index with throwaway storage that is removed
	// again when the index shuts down.
	MemoryOnly bool

	// Wipe drops all existing data of the index before it starts.
	Wipe bool

	// Primer, if set, seeds the index with externally prepared data
	// before its engine starts syncing.
	Primer Primer
}

// registryEntry pairs a running index with the engine driving it.
type registryEntry struct {
	index  *BlockFilterIndex
	engine *Engine
}

// Registry tracks the set of running index engines by filter type. All
// methods are safe for concurrent use.
type Registry struct {
	cfg RegistryConfig

	mtx     sync.Mutex
	engines map[wire.FilterType]*registryEntry
}

// NewRegistry creates an empty registry from the given config.
func NewRegistry(cfg *RegistryConfig) *Registry {
	return &Registry{
		cfg:     *cfg,
		engines: make(map[wire.FilterType]*registryEntry),
	}
}

// Init creates and starts the block filter index of the given filter
// type. It reports false without touching anything when an index of that
// type is already running.
func (r *Registry) Init(filterType wire.FilterType,
	opts IndexOptions) (bool, error) {

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.engines[filterType]; ok {
		return false, nil
	}

	idx, err := NewBlockFilterIndex(&BlockFilterIndexConfig{
		DataDir: filepath.Join(
			r.cfg.DataDir, "blockfilter", "basic",
		),
		ChainParams: r.cfg.ChainParams,
		Chain:       r.cfg.Chain,
		FilterType:  filterType,
		CacheSize:   opts.CacheSize,
		MemoryOnly:  opts.MemoryOnly,
		Wipe:        opts.Wipe,
	})
	if err != nil {
		return false, err
	}

	engineCfg := &EngineConfig{
		Index:         idx,
		Chain:         r.cfg.Chain,
		Notifications: r.cfg.Notifications,
		RetryInterval: r.cfg.RetryInterval,
	}
	if opts.Primer != nil {
		engineCfg.Prime = func() error {
			return opts.Primer.Prime(idx)
		}
	}

	engine := NewEngine(engineCfg)
	if err := engine.Start(); err != nil {
		return false, err
	}

	r.engines[filterType] = &registryEntry{
		index:  idx,
		engine: engine,
	}

	return true, nil
}

// Get returns the running index of the given filter type, or false when
// no such index is running.
func (r *Registry) Get(filterType wire.FilterType) (*BlockFilterIndex,
	bool) {

	r.mtx.Lock()
	defer r.mtx.Unlock()

	entry, ok := r.engines[filterType]
	if !ok {
		return nil, false
	}

	return entry.index, true
}

// Destroy stops the index of the given filter type and removes it from
// the registry. The index's on disk data stays in place. It reports
// false when no such index is running.
func (r *Registry) Destroy(filterType wire.FilterType) (bool, error) {
	r.mtx.Lock()
	entry, ok := r.engines[filterType]
	if ok {
		delete(r.engines, filterType)
	}
	r.mtx.Unlock()

	if !ok {
		return false, nil
	}

	return true, entry.engine.Stop()
}

// WaitUntilSynced blocks until the index of the given filter type is
// synced, its engine winds down, or cancel is closed.
func (r *Registry) WaitUntilSynced(filterType wire.FilterType,
	cancel <-chan struct{}) error {

	r.mtx.Lock()
	entry, ok := r.engines[filterType]
	r.mtx.Unlock()

	if !ok {
		return fmt.Errorf("no index of filter type %d is running",
			filterType)
	}

	return entry.engine.WaitUntilSynced(cancel)
}

// Interrupt asks every running engine to wind down at its next block
// boundary without waiting for it.
func (r *Registry) Interrupt() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, entry := range r.engines {
		entry.engine.Interrupt()
	}
}

// Len returns the number of running indexes.
func (r *Registry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return len(r.engines)
}

// Summaries returns a snapshot of the sync status of every running
// index.
func (r *Registry) Summaries() []Summary {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	summaries := make([]Summary, 0, len(r.engines))
	for _, entry := range r.engines {
		summaries = append(summaries, entry.engine.Summary())
	}

	return summaries
}

// Stop winds down every running engine and releases their indexes,
// blocking until all of them have stopped.
func (r *Registry) Stop() error {
	r.mtx.Lock()
	entries := make([]*registryEntry, 0, len(r.engines))
	for _, entry := range r.engines {
		entries = append(entries, entry)
	}
	r.engines = make(map[wire.FilterType]*registryEntry)
	r.mtx.Unlock()

	var eg errgroup.Group
	for _, entry := range entries {
		eg.Go(entry.engine.Stop)
	}

	return eg.Wait()
}
