package indexers

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Empact/bitcoin/chainntfns"
	"github.com/Empact/bitcoin/chanutils"
	"github.com/Empact/bitcoin/indexdb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultRetryInterval is the pause between attempts after a transient
// chain source failure.
const DefaultRetryInterval = time.Second

// bestIndexedKey is the database key the best indexed marker is stored
// under. The key is owned by the engine, concrete indexes must not touch
// it.
var bestIndexedKey = []byte("B")

// SyncState describes where an engine currently is in its lifecycle.
type SyncState uint32

const (
	// Uninitialized is the state of an engine that has not been started
	// yet.
	Uninitialized SyncState = iota

	// Initializing covers opening the index's storage and restoring its
	// best indexed marker.
	Initializing

	// Syncing means the engine is walking the active chain forward,
	// deriving and committing data block by block.
	Syncing

	// Synced means the index has caught up with the chain tip and now
	// follows live block notifications.
	Synced

	// RollingBack means the engine is undoing blocks that are no longer
	// part of the active chain, one block at a time.
	RollingBack

	// Stopped is the terminal state, reached through interruption, a
	// fatal storage error, or Stop.
	Stopped
)

// String returns a human readable name of the sync state.
func (s SyncState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	case RollingBack:
		return "rolling back"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown state %d", uint32(s))
	}
}

// Indexer is the capability interface a concrete index implements to have
// its data maintained by an Engine.
type Indexer interface {
	// Init opens the index's storage and restores the best indexed
	// marker along with any auxiliary state. An Init that fails must
	// release whatever it had already opened.
	Init() error

	// Name returns a human readable identifier of the index.
	Name() string

	// BestIndexed returns the reference of the best indexed block, or
	// nil when nothing has been indexed yet.
	BestIndexed() *chainntfns.BlockRef

	// WriteBlock stages the data derived from the given block into the
	// batch. ref pins the exact block the data belongs to.
	WriteBlock(block *btcutil.Block, ref *chainntfns.BlockRef,
		batch *indexdb.Batch) error

	// Rewind stages the removal of the data derived from the current
	// best indexed block cur, stepping the index back to its
	// predecessor prev. The engine only ever rewinds a single block per
	// batch.
	Rewind(cur, prev *chainntfns.BlockRef, batch *indexdb.Batch) error

	// Commit durably applies a staged batch. Any out of band data the
	// batch references must be made durable before the batch itself.
	Commit(batch *indexdb.Batch) error

	// DB returns the database the index stages its batches against.
	DB() *indexdb.DB

	// Close releases the index's storage.
	Close() error
}

// EngineConfig holds the dependencies of an Engine.
type EngineConfig struct {
	// Index is the index whose data the engine maintains.
	Index Indexer

	// Chain is the engine's view of the chain.
	Chain chainntfns.ChainSource

	// Notifications delivers the block events the engine follows once
	// it has caught up with the chain tip.
	Notifications *chainntfns.SubscriptionManager

	// Interrupt, when tripped, makes the engine wind down at the next
	// block boundary. The engine creates its own when none is given.
	Interrupt *chanutils.Interrupt

	// Prime, if set, runs after the index has been initialized but
	// before the engine starts processing blocks.
	Prime func() error

	// RetryInterval is the pause between attempts after a transient
	// chain source failure. Defaults to DefaultRetryInterval.
	RetryInterval time.Duration

	// Clock is the time source of the progress logger. Defaults to the
	// wall clock.
	Clock clock.Clock
}

// Engine keeps a single index continuously consistent with the chain: it
// initializes the index, applies missing blocks, undoes abandoned ones
// after a reorg, and then follows live block notifications. All writes of
// an index flow through its engine goroutine, so processing within one
// index is strictly serialized while separate indexes proceed in parallel.
type Engine struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	state uint32 // To be used atomically.

	cfg EngineConfig

	interrupt *chanutils.Interrupt

	// best is the in memory copy of the best indexed marker.
	bestMtx sync.RWMutex
	best    *chainntfns.BlockRef

	progress *indexProgressLogger

	// fatalErr records the storage error that forced the engine to
	// stop, if any.
	fatalErrMtx sync.Mutex
	fatalErr    error

	// syncedWaiters are released the next time the engine reaches the
	// Synced state.
	waiterMtx     sync.Mutex
	syncedWaiters []chan struct{}

	// done is closed once the engine goroutine has wound down.
	done chan struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates an engine from the given config. The engine does
// nothing until Start is called.
func NewEngine(cfg *EngineConfig) *Engine {
	interrupt := cfg.Interrupt
	if interrupt == nil {
		interrupt = chanutils.NewInterrupt()
	}

	engineCfg := *cfg
	if engineCfg.RetryInterval == 0 {
		engineCfg.RetryInterval = DefaultRetryInterval
	}
	if engineCfg.Clock == nil {
		engineCfg.Clock = clock.NewDefaultClock()
	}

	return &Engine{
		cfg:       engineCfg,
		interrupt: interrupt,
		progress: newIndexProgressLogger(
			fmt.Sprintf("%s index processed",
				cfg.Index.Name()),
			engineCfg.Clock, log,
		),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
}

// Start initializes the index, runs the optional priming hook and launches
// the engine goroutine. Initialization failures reach the caller directly
// and leave the engine stopped.
func (e *Engine) Start() error {
	if atomic.AddInt32(&e.started, 1) != 1 {
		return nil
	}

	e.setState(Initializing)

	if err := e.cfg.Index.Init(); err != nil {
		e.setState(Stopped)
		return fmt.Errorf("unable to initialize %s index: %w",
			e.cfg.Index.Name(), err)
	}

	// An interrupted priming run is not a failure: whatever it managed
	// to commit stays valid and the sync goroutine picks it up from
	// there, or winds down right away if our own interrupt tripped too.
	if e.cfg.Prime != nil {
		err := e.cfg.Prime()
		if err != nil && !errors.Is(err, ErrInterrupted) {
			e.setState(Stopped)
			e.cfg.Index.Close()
			return fmt.Errorf("unable to prime %s index: %w",
				e.cfg.Index.Name(), err)
		}
	}

	e.setBest(e.cfg.Index.BestIndexed())

	e.wg.Add(1)
	go e.indexHandler()

	return nil
}

// Stop trips the interrupt, waits for the engine goroutine to wind down
// and closes the index's storage.
func (e *Engine) Stop() error {
	if atomic.AddInt32(&e.shutdown, 1) != 1 {
		return nil
	}

	e.interrupt.Trip()
	close(e.quit)
	e.wg.Wait()

	e.setState(Stopped)

	return e.cfg.Index.Close()
}

// Interrupt requests that the engine winds down at the next block
// boundary. All committed state stays valid and a restarted engine resumes
// from the marker.
func (e *Engine) Interrupt() {
	e.interrupt.Trip()
}

// State returns the engine's current sync state.
func (e *Engine) State() SyncState {
	return SyncState(atomic.LoadUint32(&e.state))
}

// Err returns the error that forced the engine to stop, if any.
func (e *Engine) Err() error {
	e.fatalErrMtx.Lock()
	defer e.fatalErrMtx.Unlock()

	return e.fatalErr
}

// Best returns the engine's view of the best indexed block, nil when
// nothing has been indexed yet.
func (e *Engine) Best() *chainntfns.BlockRef {
	e.bestMtx.RLock()
	defer e.bestMtx.RUnlock()

	return e.best
}

// Summary is a point in time snapshot of an index's sync status.
type Summary struct {
	// Name is the index's identifier.
	Name string

	// State is the engine's sync state.
	State SyncState

	// Synced is true when the index currently tracks the chain tip.
	Synced bool

	// BestHeight is the height of the best indexed block, or -1 when
	// nothing has been indexed yet.
	BestHeight int32

	// BestHash is the hash of the best indexed block.
	BestHash chainhash.Hash
}

// Summary returns a snapshot of the engine's sync status.
func (e *Engine) Summary() Summary {
	state := e.State()
	summary := Summary{
		Name:       e.cfg.Index.Name(),
		State:      state,
		Synced:     state == Synced,
		BestHeight: -1,
	}

	if best := e.Best(); best != nil {
		summary.BestHeight = best.Height
		summary.BestHash = best.Hash
	}

	return summary
}

// WaitUntilSynced blocks until the engine reaches the Synced state, the
// engine winds down, or cancel is closed. Must only be called after Start.
func (e *Engine) WaitUntilSynced(cancel <-chan struct{}) error {
	e.waiterMtx.Lock()
	waiter := make(chan struct{})
	e.syncedWaiters = append(e.syncedWaiters, waiter)
	e.waiterMtx.Unlock()

	if e.State() == Synced {
		return nil
	}

	select {
	case <-waiter:
		return nil
	case <-e.done:
		if err := e.Err(); err != nil {
			return err
		}
		return ErrInterrupted
	case <-cancel:
		return ErrInterrupted
	}
}

// setBest publishes a new best indexed reference.
func (e *Engine) setBest(ref *chainntfns.BlockRef) {
	e.bestMtx.Lock()
	defer e.bestMtx.Unlock()

	e.best = ref
}

// setState publishes the engine's new sync state.
func (e *Engine) setState(s SyncState) {
	old := SyncState(atomic.SwapUint32(&e.state, uint32(s)))
	if old == s {
		return
	}

	log.Debugf("%s index: %v -> %v", e.cfg.Index.Name(), old, s)

	if s == Synced {
		e.signalSynced()
	}
}

// signalSynced releases everyone blocked in WaitUntilSynced.
func (e *Engine) signalSynced() {
	e.waiterMtx.Lock()
	defer e.waiterMtx.Unlock()

	for _, waiter := range e.syncedWaiters {
		close(waiter)
	}
	e.syncedWaiters = nil
}

// storeFatalErr records the first error that forced the engine to stop.
func (e *Engine) storeFatalErr(err error) {
	e.fatalErrMtx.Lock()
	defer e.fatalErrMtx.Unlock()

	if e.fatalErr == nil {
		e.fatalErr = err
	}
}

// indexHandler is the engine's main goroutine: it first brings the index
// in line with the chain, then processes live block notifications until
// the engine winds down.
//
// NOTE: This must be run as a goroutine.
func (e *Engine) indexHandler() {
	defer e.wg.Done()
	defer close(e.done)

	// Bring the index up to the current chain tip. This covers both
	// catching up after downtime and backing out of a branch that was
	// abandoned while we were offline.
	if err := e.sync(); err != nil {
		e.handleSyncErr(err)
		return
	}

	// The index now tracks the tip. Subscribe for live block events,
	// replaying anything that happened since the marker.
	var bestHeight uint32
	if best := e.Best(); best != nil {
		bestHeight = uint32(best.Height)
	}
	sub, err := e.cfg.Notifications.NewSubscription(bestHeight)
	if err != nil {
		e.handleSyncErr(fmt.Errorf("unable to subscribe for block "+
			"notifications: %w", err))
		return
	}
	defer sub.Cancel()

	for {
		select {
		case ntfn, ok := <-sub.Notifications:
			if !ok {
				log.Warnf("%s index: notification stream "+
					"closed", e.cfg.Index.Name())
				e.setState(Stopped)
				return
			}

			if err := e.handleNtfn(ntfn); err != nil {
				e.handleSyncErr(err)
				return
			}

		case <-e.interrupt.Chan():
			e.handleSyncErr(ErrInterrupted)
			return

		case <-e.quit:
			e.setState(Stopped)
			return
		}
	}
}

// handleNtfn applies a single live block event. A connected block that
// cleanly extends the index is applied directly, anything else falls back
// to a full sync pass which re-detects rollback and catch up from scratch.
func (e *Engine) handleNtfn(ntfn chainntfns.BlockNtfn) error {
	switch n := ntfn.(type) {
	case *chainntfns.Connected:
		header := n.Header()
		ref := &chainntfns.BlockRef{
			Hash:   header.BlockHash(),
			Height: int32(n.Height()),
			Prev:   header.PrevBlock,
		}

		best := e.Best()
		extendsTip := best != nil && ref.Height == best.Height+1 &&
			ref.Prev == best.Hash
		startsChain := best == nil && ref.Height == 0

		if !extendsTip && !startsChain {
			// A gap or an implicit reorg.
			return e.sync()
		}

		block, err := e.cfg.Chain.BlockByHash(&ref.Hash)
		if err != nil {
			// Let the full sync pass deal with the transient
			// failure.
			return e.sync()
		}

		return e.writeBlock(block, ref)

	case *chainntfns.Disconnected:
		best := e.Best()
		if best != nil && n.Header().BlockHash() == best.Hash {
			e.setState(RollingBack)
			if err := e.rewindOne(); err != nil {
				return err
			}
		}

		// Settle against the announced new tip, further disconnects
		// or the replacement branch included.
		return e.sync()

	default:
		return e.sync()
	}
}

// sync drives the index to the current chain tip: it first backs the index
// off any blocks that are no longer part of the active chain, then applies
// the missing blocks in ascending order, one atomic batch per block. The
// pass chases the tip until it catches it, so it only returns with the
// index synced or with an error.
func (e *Engine) sync() error {
	e.setState(Syncing)

	// Measure progress from the start of this pass rather than from
	// whenever the last summary line happened to be emitted.
	e.progress.SetLastLogTime(e.cfg.Clock.Now())

	for {
		if e.interrupt.Tripped() {
			return ErrInterrupted
		}

		tip, err := e.cfg.Chain.BestBlock()
		if err != nil {
			if err := e.retryPause(err); err != nil {
				return err
			}
			continue
		}

		best := e.Best()

		// Caught up: the marker sits exactly on the tip.
		if best != nil && best.Hash == tip.Hash {
			e.setState(Synced)
			return nil
		}

		// Make sure the best indexed block is still part of the
		// active chain, and undo it first if it is not.
		if best != nil {
			onChain, err := e.refOnActiveChain(best, tip)
			if err != nil {
				if err := e.retryPause(err); err != nil {
					return err
				}
				continue
			}

			if !onChain {
				e.setState(RollingBack)
				if err := e.rewindOne(); err != nil {
					return err
				}
				continue
			}

			e.setState(Syncing)
		}

		// Apply the next block of the active chain.
		nextHeight := int32(0)
		if best != nil {
			nextHeight = best.Height + 1
		}
		next, err := e.cfg.Chain.BlockRefByHeight(nextHeight)
		if err != nil {
			if err := e.retryPause(err); err != nil {
				return err
			}
			continue
		}

		block, err := e.cfg.Chain.BlockByHash(&next.Hash)
		if err != nil {
			if err := e.retryPause(err); err != nil {
				return err
			}
			continue
		}

		if err := e.writeBlock(block, next); err != nil {
			return err
		}

		e.progress.LogBlockHeight(next.Height)
	}
}

// refOnActiveChain reports whether the given reference is part of the
// active chain.
func (e *Engine) refOnActiveChain(ref,
	tip *chainntfns.BlockRef) (bool, error) {

	// A reference beyond the tip cannot be on the active chain, and its
	// height cannot be resolved either.
	if ref.Height > tip.Height {
		return false, nil
	}

	active, err := e.cfg.Chain.BlockRefByHeight(ref.Height)
	if err != nil {
		return false, err
	}

	return active.Hash == ref.Hash, nil
}

// writeBlock derives and commits the data of a single block. The new best
// indexed marker is staged into the same batch as the block's data, so
// either both become visible or neither does.
func (e *Engine) writeBlock(block *btcutil.Block,
	ref *chainntfns.BlockRef) error {

	batch := e.cfg.Index.DB().NewBatch()

	if err := e.cfg.Index.WriteBlock(block, ref, batch); err != nil {
		return fmt.Errorf("unable to index block %v (height %d): %w",
			ref.Hash, ref.Height, err)
	}

	batch.Put(bestIndexedKey, serializeBestIndexed(ref))

	if err := e.cfg.Index.Commit(batch); err != nil {
		return fmt.Errorf("unable to commit block %v (height "+
			"%d): %w", ref.Hash, ref.Height, err)
	}

	e.setBest(ref)

	return nil
}

// rewindOne undoes the current best indexed block in one atomic step: the
// block's derived data is removed and the marker moves to the block's
// predecessor within the same batch.
func (e *Engine) rewindOne() error {
	cur := e.Best()

	log.Infof("%s index: unwinding block %v (height %d)",
		e.cfg.Index.Name(), cur.Hash, cur.Height)

	// Resolve the predecessor. It may itself no longer be part of the
	// active chain, the chain source still knows it.
	prev, err := e.cfg.Chain.BlockRef(&cur.Prev)
	if err != nil {
		return fmt.Errorf("unable to resolve predecessor %v of "+
			"height %d: %w", cur.Prev, cur.Height, err)
	}

	batch := e.cfg.Index.DB().NewBatch()

	if err := e.cfg.Index.Rewind(cur, prev, batch); err != nil {
		return fmt.Errorf("unable to unwind block %v (height "+
			"%d): %w", cur.Hash, cur.Height, err)
	}

	batch.Put(bestIndexedKey, serializeBestIndexed(prev))

	if err := e.cfg.Index.Commit(batch); err != nil {
		return fmt.Errorf("unable to commit unwind of block %v: %w",
			cur.Hash, err)
	}

	e.setBest(prev)

	return nil
}

// retryPause waits out a transient chain source failure, returning
// ErrInterrupted if the engine was interrupted while pausing.
func (e *Engine) retryPause(cause error) error {
	log.Warnf("%s index: transient chain error, retrying in %v: %v",
		e.cfg.Index.Name(), e.cfg.RetryInterval, cause)

	if !e.interrupt.Sleep(e.cfg.RetryInterval) {
		return ErrInterrupted
	}

	return nil
}

// handleSyncErr winds the engine down after the sync path has failed. A
// tripped interrupt is a clean shutdown, anything else is recorded as the
// fatal error that later queries surface.
func (e *Engine) handleSyncErr(err error) {
	if errors.Is(err, ErrInterrupted) {
		height := int32(-1)
		if best := e.Best(); best != nil {
			height = best.Height
		}
		log.Infof("%s index interrupted at height %d",
			e.cfg.Index.Name(), height)

		e.setState(Stopped)
		return
	}

	log.Errorf("%s index stopped: %v", e.cfg.Index.Name(), err)

	e.storeFatalErr(err)
	e.setState(Stopped)
}

// loadBestIndexed reads the best indexed marker from the database,
// returning nil when no marker has been written yet.
func loadBestIndexed(db *indexdb.DB) (*chainntfns.BlockRef, error) {
	value, err := db.Get(bestIndexedKey)
	if errors.Is(err, indexdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return deserializeBestIndexed(value)
}

// serializeBestIndexed encodes a best indexed marker value: height (4
// bytes, big endian), block hash (32 bytes), previous block hash (32
// bytes).
func serializeBestIndexed(ref *chainntfns.BlockRef) []byte {
	var buf [68]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(ref.Height))
	copy(buf[4:36], ref.Hash[:])
	copy(buf[36:68], ref.Prev[:])

	return buf[:]
}

// deserializeBestIndexed decodes a best indexed marker value.
func deserializeBestIndexed(value []byte) (*chainntfns.BlockRef, error) {
	if len(value) != 68 {
		return nil, fmt.Errorf("%w: best indexed marker of length %d",
			ErrIndexCorrupt, len(value))
	}

	ref := &chainntfns.BlockRef{
		Height: int32(binary.BigEndian.Uint32(value[0:4])),
	}
	copy(ref.Hash[:], value[4:36])
	copy(ref.Prev[:], value[36:68])

	return ref, nil
}
