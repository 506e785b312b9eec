package indeximport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Empact/bitcoin/chainntfns"
	"github.com/Empact/bitcoin/chanutils"
	"github.com/Empact/bitcoin/indexers"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// DefaultBatchSize is the number of filters appended to the index
	// per batch if no size is specified.
	DefaultBatchSize = 1000

	// DefaultBatchInterval is how long a partial batch may linger
	// before it is flushed.
	DefaultBatchInterval = 500 * time.Millisecond
)

// ImporterConfig houses the dependencies and knobs of an Importer.
type ImporterConfig struct {
	// Source hands out the filters to import.
	Source FilterSource

	// Chain resolves the active chain blocks the imported filters must
	// belong to.
	Chain chainntfns.ChainSource

	// ChainParams identifies the network the index serves. Files of
	// another network are rejected.
	ChainParams *chaincfg.Params

	// Interrupt, when tripped, aborts the import at the next filter
	// boundary. Everything already committed stays valid.
	Interrupt *chanutils.Interrupt

	// BatchSize is the number of filters appended per batch. Defaults
	// to DefaultBatchSize.
	BatchSize int

	// BatchInterval is how long a partial batch may linger before it
	// is flushed. Defaults to DefaultBatchInterval.
	BatchInterval time.Duration
}

// Importer seeds a block filter index from a pre built filter file before
// the index's engine starts syncing. Only filters that extend the index's
// current best indexed block and that match the active chain are applied,
// so a partial import is simply resumed by the engine.
type Importer struct {
	cfg ImporterConfig
}

// A compile-time check to ensure the Importer adheres to the
// indexers.Primer interface.
var _ indexers.Primer = (*Importer)(nil)

// NewImporter creates an importer from the given config.
func NewImporter(cfg *ImporterConfig) *Importer {
	impCfg := *cfg
	if impCfg.BatchSize == 0 {
		impCfg.BatchSize = DefaultBatchSize
	}
	if impCfg.BatchInterval == 0 {
		impCfg.BatchInterval = DefaultBatchInterval
	}
	if impCfg.Interrupt == nil {
		impCfg.Interrupt = chanutils.NewInterrupt()
	}

	return &Importer{cfg: impCfg}
}

// Prime loads the source's filters into the index in batches. Filters the
// index already has are skipped, filters past the current chain tip are
// left to the engine. Prime returns indexers.ErrInterrupted when aborted
// through the interrupt.
//
// Prime implements the indexers.Primer interface.
func (imp *Importer) Prime(idx *indexers.BlockFilterIndex) error {
	if err := imp.cfg.Source.Open(); err != nil {
		return err
	}
	defer imp.cfg.Source.Close()

	meta := imp.cfg.Source.Metadata()
	if meta.NetworkMagic != imp.cfg.ChainParams.Net {
		return fmt.Errorf("import file belongs to network %v, the "+
			"index serves %v", meta.NetworkMagic,
			imp.cfg.ChainParams.Net)
	}
	if meta.FilterType != idx.FilterType() {
		return fmt.Errorf("import file holds filters of type %d, "+
			"the index maintains type %d", meta.FilterType,
			idx.FilterType())
	}

	// Work out the height the index resumes at and refuse files that
	// leave a gap below it.
	nextHeight := uint32(0)
	if tip := idx.BestIndexed(); tip != nil {
		nextHeight = uint32(tip.Height) + 1
	}
	if meta.StartHeight > nextHeight {
		log.Infof("Filter import starts at height %d but the index "+
			"resumes at height %d, skipping import",
			meta.StartHeight, nextHeight)

		return nil
	}
	if meta.StartHeight+meta.FilterCount <= nextHeight {
		log.Debugf("Filter import ends below height %d, nothing to "+
			"do", nextHeight)

		return nil
	}

	// Filters past the chain tip cannot be matched to blocks yet, the
	// engine derives those once the blocks arrive.
	chainTip, err := imp.cfg.Chain.BestBlock()
	if err != nil {
		return err
	}

	log.Infof("Importing filters from height %d towards height %d",
		nextHeight, meta.StartHeight+meta.FilterCount-1)

	var (
		writtenMtx  sync.Mutex
		written     int
		writeSignal = make(chan struct{}, 1)
	)

	cfg := &chanutils.BatchWriterConfig[*indexers.FilterData]{
		QueueBufferSize:        imp.cfg.BatchSize,
		MaxBatch:               imp.cfg.BatchSize,
		DBWritesTickerDuration: imp.cfg.BatchInterval,
		PutItems: func(items ...*indexers.FilterData) error {
			if err := idx.AppendFilters(items); err != nil {
				return err
			}

			writtenMtx.Lock()
			written += len(items)
			writtenMtx.Unlock()

			select {
			case writeSignal <- struct{}{}:
			default:
			}

			return nil
		},
	}
	writer := chanutils.NewBatchWriter(cfg)
	writer.Start()

	var (
		readErr     error
		interrupted bool
		enqueued    int
	)

	for {
		if imp.cfg.Interrupt.Tripped() {
			interrupted = true
			break
		}
		if writer.Err() != nil {
			break
		}

		entry, err := imp.cfg.Source.NextFilter()
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}

		// Skip everything the index already has.
		if entry.Height < nextHeight {
			continue
		}

		if int32(entry.Height) > chainTip.Height {
			log.Infof("Filter import reached the chain tip at "+
				"height %d, the remaining %d filters are left "+
				"to the sync engine", chainTip.Height,
				meta.FilterCount-(entry.Height-meta.StartHeight))
			break
		}

		// The filter must belong to the active chain block at its
		// height.
		ref, err := imp.cfg.Chain.BlockRefByHeight(int32(entry.Height))
		if err != nil {
			readErr = err
			break
		}
		if ref.Hash != entry.BlockHash {
			readErr = fmt.Errorf("import filter at height %d "+
				"belongs to block %v, the active chain has %v",
				entry.Height, entry.BlockHash, ref.Hash)
			break
		}

		writer.AddItem(&indexers.FilterData{
			Ref:    ref,
			Filter: entry.Filter,
		})
		enqueued++
	}

	// Stop only flushes the batch currently being collected, so wait
	// until every enqueued filter has been persisted before stopping.
	for !interrupted && writer.Err() == nil {
		writtenMtx.Lock()
		drained := written >= enqueued
		writtenMtx.Unlock()

		if drained {
			break
		}

		select {
		case <-writeSignal:
		case <-imp.cfg.Interrupt.Chan():
			interrupted = true
		}
	}

	if err := writer.Stop(); err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}
	if interrupted {
		return indexers.ErrInterrupted
	}

	if tip := idx.BestIndexed(); tip != nil {
		log.Infof("Filter import done, index is at height %d",
			tip.Height)
	}

	return nil
}
