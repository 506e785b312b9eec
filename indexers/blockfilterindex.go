package indexers

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Empact/bitcoin/chainntfns"
	"github.com/Empact/bitcoin/chainsync"
	"github.com/Empact/bitcoin/flatfile"
	"github.com/Empact/bitcoin/indexdb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

const (
	// DefaultFilterCacheSize is the size (in bytes) of filters the index
	// will keep in memory if no size is specified in its config.
	DefaultFilterCacheSize uint64 = 3120 * 10 * 1000

	// filterFilePrefix is the file name prefix of the rotating filter
	// files.
	filterFilePrefix = "fltr"

	// filterRecordSize is the length of a serialized filter record:
	// block hash, filter hash, filter header, flat file position and
	// data length.
	filterRecordSize = 32 + 32 + 32 + flatfile.FilePosSize + 4
)

var (
	// recordKeyPrefix prefixes the per height filter record keys.
	recordKeyPrefix = []byte("t")

	// nextPosKey stores the next free flat file position.
	nextPosKey = []byte("P")
)

// filterRecord is the per block database record of the index. It pins the
// exact block the filter belongs to and points at the filter's bytes in
// the flat file store.
type filterRecord struct {
	blockHash    chainhash.Hash
	filterHash   chainhash.Hash
	filterHeader chainhash.Hash
	pos          flatfile.FilePos
	dataLen      uint32
}

// bytes serializes the record.
func (r *filterRecord) bytes() []byte {
	buf := make([]byte, 0, filterRecordSize)
	buf = append(buf, r.blockHash[:]...)
	buf = append(buf, r.filterHash[:]...)
	buf = append(buf, r.filterHeader[:]...)
	buf = append(buf, r.pos.Bytes()...)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], r.dataLen)

	return append(buf, lenBuf[:]...)
}

// filterRecordFromBytes deserializes a record.
func filterRecordFromBytes(b []byte) (*filterRecord, error) {
	if len(b) != filterRecordSize {
		return nil, fmt.Errorf("%w: filter record of length %d",
			ErrIndexCorrupt, len(b))
	}

	var r filterRecord
	copy(r.blockHash[:], b[0:32])
	copy(r.filterHash[:], b[32:64])
	copy(r.filterHeader[:], b[64:96])

	pos, err := flatfile.PosFromBytes(b[96 : 96+flatfile.FilePosSize])
	if err != nil {
		return nil, err
	}
	r.pos = pos
	r.dataLen = binary.LittleEndian.Uint32(b[104:108])

	return &r, nil
}

// recordKey returns the database key of the filter record at the given
// height.
func recordKey(height uint32) []byte {
	key := make([]byte, 5)
	key[0] = recordKeyPrefix[0]
	binary.BigEndian.PutUint32(key[1:], height)

	return key
}

// BlockFilterIndexConfig houses the configuration of a BlockFilterIndex.
type BlockFilterIndexConfig struct {
	// DataDir is the directory the index's database and filter files are
	// stored in.
	DataDir string

	// ChainParams identifies the chain the index serves. The consistency
	// check uses it to pick the known good filter header values.
	ChainParams chaincfg.Params

	// Chain hands out block data and the output scripts spent by each
	// block.
	Chain chainntfns.ChainSource

	// FilterType is the type of filter the index maintains. Only
	// wire.GCSFilterRegular is currently supported.
	FilterType wire.FilterType

	// CacheSize is the size (in bytes) of the in memory filter cache.
	// Defaults to DefaultFilterCacheSize.
	CacheSize uint64

	// MaxFilterFileSize overrides the rotation threshold of the filter
	// files. Zero means flatfile.DefaultMaxFileSize.
	MaxFilterFileSize uint32

	// MemoryOnly backs the index with throwaway storage that is removed
	// again on Close.
	MemoryOnly bool

	// Wipe drops all existing index data when the index opens.
	Wipe bool
}

// BlockFilterIndex maintains a basic compact filter and a chained filter
// header for every block of the active chain. The filter bytes live in
// rotating flat files, everything needed to locate and verify them lives
// in the index database.
type BlockFilterIndex struct {
	cfg BlockFilterIndexConfig

	db    *indexdb.DB
	files *flatfile.Seq

	// tmpDir holds the filter files of a memory only index.
	tmpDir string

	mtx        sync.RWMutex
	tip        *chainntfns.BlockRef
	pendingTip *chainntfns.BlockRef
	pendingSet bool

	filterCache *lru.Cache[chainhash.Hash, *CacheableFilter]

	// headerCacheMtx guards headerCache, which holds the filter headers
	// of checkpoint heights keyed by block hash.
	headerCacheMtx sync.Mutex
	headerCache    map[chainhash.Hash]chainhash.Hash
}

// A compile-time check to ensure the BlockFilterIndex adheres to the
// Indexer interface.
var _ Indexer = (*BlockFilterIndex)(nil)

// NewBlockFilterIndex creates a block filter index from the given config.
// No storage is touched until Init runs.
func NewBlockFilterIndex(
	cfg *BlockFilterIndexConfig) (*BlockFilterIndex, error) {

	if cfg.FilterType != wire.GCSFilterRegular {
		return nil, fmt.Errorf("unknown filter type %v", cfg.FilterType)
	}

	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = DefaultFilterCacheSize
	}

	return &BlockFilterIndex{
		cfg: *cfg,
		filterCache: lru.NewCache[chainhash.Hash, *CacheableFilter](
			cacheSize,
		),
		headerCache: make(map[chainhash.Hash]chainhash.Hash),
	}, nil
}

// Init opens the index database and the flat file store and restores the
// index's position from the best indexed marker.
func (idx *BlockFilterIndex) Init() error {
	filterDir := filepath.Join(idx.cfg.DataDir, "filters")
	if idx.cfg.MemoryOnly {
		tmpDir, err := os.MkdirTemp("", "blockfilterindex")
		if err != nil {
			return fmt.Errorf("unable to create temporary "+
				"filter dir: %w", err)
		}
		idx.tmpDir = tmpDir
		filterDir = filepath.Join(tmpDir, "filters")
	} else if idx.cfg.Wipe {
		if err := os.RemoveAll(filterDir); err != nil {
			return fmt.Errorf("unable to wipe filter files: %w",
				err)
		}
	}

	db, err := indexdb.Open(
		filepath.Join(idx.cfg.DataDir, "blockfilter.db"),
		idx.cfg.MemoryOnly, idx.cfg.Wipe,
	)
	if err != nil {
		idx.removeTmpDir()
		return err
	}
	idx.db = db

	if err := idx.restoreState(filterDir); err != nil {
		db.Close()
		idx.db = nil
		idx.removeTmpDir()
		return err
	}

	return nil
}

// restoreState loads the best indexed marker and the next flat file
// position and positions the file store accordingly.
func (idx *BlockFilterIndex) restoreState(filterDir string) error {
	tip, err := loadBestIndexed(idx.db)
	if err != nil {
		return err
	}

	var nextPos flatfile.FilePos
	posBytes, err := idx.db.Get(nextPosKey)
	switch {
	case err == nil:
		nextPos, err = flatfile.PosFromBytes(posBytes)
		if err != nil {
			return err
		}

	case errors.Is(err, indexdb.ErrKeyNotFound):

	default:
		return err
	}

	idx.files = flatfile.NewSeq(
		filterDir, filterFilePrefix, idx.cfg.MaxFilterFileSize,
	)
	if err := idx.files.Reset(nextPos); err != nil {
		return fmt.Errorf("unable to position filter files at %v: %w",
			nextPos, err)
	}

	// The record of the marker block must exist and agree with the
	// marker, anything else means the database was damaged.
	if tip != nil {
		rec, err := idx.loadRecord(uint32(tip.Height))
		if err != nil {
			return err
		}
		if rec.blockHash != tip.Hash {
			return fmt.Errorf("%w: marker %v (height %d) does "+
				"not match record %v", ErrIndexCorrupt,
				tip.Hash, tip.Height, rec.blockHash)
		}

		log.Debugf("%s index: restored at height %d, next filter "+
			"position %v", idx.Name(), tip.Height, nextPos)
	}

	idx.mtx.Lock()
	idx.tip = tip
	idx.mtx.Unlock()

	return nil
}

// Name returns the index's identifier.
func (idx *BlockFilterIndex) Name() string {
	return "basic filter"
}

// BestIndexed returns the reference of the best indexed block, nil when
// nothing has been indexed yet.
func (idx *BlockFilterIndex) BestIndexed() *chainntfns.BlockRef {
	idx.mtx.RLock()
	defer idx.mtx.RUnlock()

	return idx.tip
}

// DB returns the index database batches are staged against.
func (idx *BlockFilterIndex) DB() *indexdb.DB {
	return idx.db
}

// FilterType returns the type of filter the index maintains.
func (idx *BlockFilterIndex) FilterType() wire.FilterType {
	return idx.cfg.FilterType
}

// NumFilters returns the number of filters currently committed.
func (idx *BlockFilterIndex) NumFilters() uint32 {
	tip := idx.BestIndexed()
	if tip == nil {
		return 0
	}

	return uint32(tip.Height) + 1
}

// WriteBlock stages the filter, filter hash and chained filter header of
// the given block. The filter's bytes are written to the flat file store
// right away, the record referencing them only becomes visible once the
// batch commits.
func (idx *BlockFilterIndex) WriteBlock(block *btcutil.Block,
	ref *chainntfns.BlockRef, batch *indexdb.Batch) error {

	// The output scripts spent by the block are part of the basic
	// filter. The very first block spends nothing.
	var prevScripts [][]byte
	if ref.Height > 0 {
		var err error
		prevScripts, err = idx.cfg.Chain.SpentOutputScripts(&ref.Hash)
		if err != nil {
			return fmt.Errorf("unable to fetch spent scripts of "+
				"%v: %w", ref.Hash, err)
		}
	}

	filter, err := builder.BuildBasicFilter(block.MsgBlock(), prevScripts)
	if err != nil {
		return fmt.Errorf("unable to build filter for %v: %w",
			ref.Hash, err)
	}

	filterHash, err := builder.GetFilterHash(filter)
	if err != nil {
		return err
	}

	// The header chains onto the previous block's filter header, with
	// the zero hash below the first block.
	var prevHeader chainhash.Hash
	if ref.Height > 0 {
		prevRec, err := idx.loadRecord(uint32(ref.Height) - 1)
		if err != nil {
			return err
		}
		if prevRec.blockHash != ref.Prev {
			return fmt.Errorf("%w: record at height %d is %v, "+
				"expected parent %v", ErrIndexCorrupt,
				ref.Height-1, prevRec.blockHash, ref.Prev)
		}
		prevHeader = prevRec.filterHeader
	}

	filterHeader, err := builder.MakeHeaderForFilter(filter, prevHeader)
	if err != nil {
		return err
	}

	// The derived header must agree with the network's known good
	// checkpoints.
	err = chainsync.ControlCFHeader(
		idx.cfg.ChainParams, idx.cfg.FilterType, uint32(ref.Height),
		&filterHeader,
	)
	if err != nil {
		return fmt.Errorf("filter header of %v (height %d): %w",
			ref.Hash, ref.Height, err)
	}

	filterBytes, err := filter.NBytes()
	if err != nil {
		return err
	}

	return idx.stageFilter(ref, filterBytes, filterHash, filterHeader,
		batch)
}

// stageFilter writes the filter bytes to the flat file store and stages
// the matching record and the advanced next position into the batch.
func (idx *BlockFilterIndex) stageFilter(ref *chainntfns.BlockRef,
	filterBytes []byte, filterHash, filterHeader chainhash.Hash,
	batch *indexdb.Batch) error {

	// Blobs carry the block hash ahead of the filter bytes so a record
	// pointing at the wrong position is caught on read.
	blob := make([]byte, 0, chainhash.HashSize+len(filterBytes))
	blob = append(blob, ref.Hash[:]...)
	blob = append(blob, filterBytes...)

	pos, err := idx.files.Allocate(uint32(len(blob)))
	if err != nil {
		return err
	}
	if err := idx.files.WriteAt(pos, blob); err != nil {
		return err
	}

	rec := &filterRecord{
		blockHash:    ref.Hash,
		filterHash:   filterHash,
		filterHeader: filterHeader,
		pos:          pos,
		dataLen:      uint32(len(filterBytes)),
	}
	batch.Put(recordKey(uint32(ref.Height)), rec.bytes())
	batch.Put(nextPosKey, idx.files.NextPos().Bytes())

	idx.mtx.Lock()
	idx.pendingTip = ref
	idx.pendingSet = true
	idx.mtx.Unlock()

	return nil
}

// Rewind stages the removal of the record of the current best indexed
// block cur. The filter's bytes stay where they are, flat file space is
// never reclaimed, only unreferenced.
func (idx *BlockFilterIndex) Rewind(cur, prev *chainntfns.BlockRef,
	batch *indexdb.Batch) error {

	tip := idx.BestIndexed()
	if tip == nil || tip.Hash != cur.Hash {
		return fmt.Errorf("%w: unwinding %v (height %d) which is "+
			"not the indexed tip", ErrIndexCorrupt, cur.Hash,
			cur.Height)
	}

	batch.Delete(recordKey(uint32(cur.Height)))

	idx.filterCache.Delete(cur.Hash)

	idx.headerCacheMtx.Lock()
	delete(idx.headerCache, cur.Hash)
	idx.headerCacheMtx.Unlock()

	idx.mtx.Lock()
	idx.pendingTip = prev
	idx.pendingSet = true
	idx.mtx.Unlock()

	return nil
}

// Commit makes a staged batch durable. The flat file store is flushed
// first so that every committed record points at durable filter bytes.
func (idx *BlockFilterIndex) Commit(batch *indexdb.Batch) error {
	if err := idx.files.Flush(); err != nil {
		return fmt.Errorf("unable to flush filter files: %w", err)
	}

	if err := idx.db.Commit(batch); err != nil {
		return err
	}

	idx.mtx.Lock()
	if idx.pendingSet {
		idx.tip = idx.pendingTip
		idx.pendingTip = nil
		idx.pendingSet = false
	}
	idx.mtx.Unlock()

	return nil
}

// Close releases the index's storage. A memory only index removes its
// temporary filter files again.
func (idx *BlockFilterIndex) Close() error {
	var firstErr error

	if idx.files != nil {
		if err := idx.files.Close(); err != nil {
			firstErr = err
		}
		idx.files = nil
	}

	if idx.db != nil {
		if err := idx.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		idx.db = nil
	}

	idx.removeTmpDir()

	return firstErr
}

// removeTmpDir removes the temporary filter files of a memory only index.
func (idx *BlockFilterIndex) removeTmpDir() {
	if idx.tmpDir == "" {
		return
	}

	if err := os.RemoveAll(idx.tmpDir); err != nil {
		log.Warnf("unable to remove temporary filter dir %s: %v",
			idx.tmpDir, err)
	}
	idx.tmpDir = ""
}

// loadRecord reads the committed filter record at the given height.
func (idx *BlockFilterIndex) loadRecord(height uint32) (*filterRecord,
	error) {

	value, err := idx.db.Get(recordKey(height))
	if errors.Is(err, indexdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: no filter record at height %d",
			ErrIndexCorrupt, height)
	}
	if err != nil {
		return nil, err
	}

	return filterRecordFromBytes(value)
}

// lookupRecord resolves the committed record of the given block, enforcing
// the index's visibility rules: blocks past the best indexed marker report
// ErrNotYetIndexed, blocks at an indexed height that are not part of the
// indexed chain report ErrNotFound.
func (idx *BlockFilterIndex) lookupRecord(
	ref *chainntfns.BlockRef) (*filterRecord, error) {

	if ref.Height < 0 {
		return nil, fmt.Errorf("%w: %v (height %d)", ErrNotFound,
			ref.Hash, ref.Height)
	}

	tip := idx.BestIndexed()
	if tip == nil || ref.Height > tip.Height {
		return nil, fmt.Errorf("%w: height %d", ErrNotYetIndexed,
			ref.Height)
	}

	rec, err := idx.loadRecord(uint32(ref.Height))
	if err != nil {
		return nil, err
	}
	if rec.blockHash != ref.Hash {
		return nil, fmt.Errorf("%w: %v (height %d)", ErrNotFound,
			ref.Hash, ref.Height)
	}

	return rec, nil
}

// readFilter loads and verifies the filter bytes a record points at.
func (idx *BlockFilterIndex) readFilter(rec *filterRecord) (*gcs.Filter,
	error) {

	blob, err := idx.files.ReadAt(
		rec.pos, chainhash.HashSize+rec.dataLen,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read filter at %v: %v",
			ErrIndexCorrupt, rec.pos, err)
	}

	var gotHash chainhash.Hash
	copy(gotHash[:], blob[:chainhash.HashSize])
	if gotHash != rec.blockHash {
		return nil, fmt.Errorf("%w: filter at %v belongs to %v, "+
			"expected %v", ErrIndexCorrupt, rec.pos, gotHash,
			rec.blockHash)
	}

	filter, err := gcs.FromNBytes(
		builder.DefaultP, builder.DefaultM, blob[chainhash.HashSize:],
	)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid filter bytes at %v: %v",
			ErrIndexCorrupt, rec.pos, err)
	}

	return filter, nil
}

// LookupFilter returns the basic filter of the given block.
func (idx *BlockFilterIndex) LookupFilter(
	ref *chainntfns.BlockRef) (*gcs.Filter, error) {

	// The cache only ever holds filters of committed records, keyed by
	// block hash, so a hit can be returned directly.
	cached, err := idx.filterCache.Get(ref.Hash)
	if err == nil {
		return cached.Filter, nil
	}
	if err != cache.ErrElementNotFound {
		return nil, err
	}

	rec, err := idx.lookupRecord(ref)
	if err != nil {
		return nil, err
	}

	filter, err := idx.readFilter(rec)
	if err != nil {
		return nil, err
	}

	if _, err := idx.filterCache.Put(
		ref.Hash, &CacheableFilter{Filter: filter},
	); err != nil {
		log.Debugf("unable to cache filter %v: %v", ref.Hash, err)
	}

	return filter, nil
}

// LookupFilterHeader returns the chained filter header of the given block.
// Headers at multiples of wire.CFCheckptInterval are kept in a small
// cache.
func (idx *BlockFilterIndex) LookupFilterHeader(
	ref *chainntfns.BlockRef) (chainhash.Hash, error) {

	checkpoint := ref.Height > 0 &&
		ref.Height%wire.CFCheckptInterval == 0

	if checkpoint {
		idx.headerCacheMtx.Lock()
		header, ok := idx.headerCache[ref.Hash]
		idx.headerCacheMtx.Unlock()

		if ok {
			return header, nil
		}
	}

	rec, err := idx.lookupRecord(ref)
	if err != nil {
		return chainhash.Hash{}, err
	}

	if checkpoint {
		idx.headerCacheMtx.Lock()
		idx.headerCache[ref.Hash] = rec.filterHeader
		idx.headerCacheMtx.Unlock()
	}

	return rec.filterHeader, nil
}

// lookupRange resolves the records of the ascending block range that
// starts at startHeight and ends in stop. Resolving stop enforces the
// visibility rules for the whole range, the records below it form a
// single chain by construction.
func (idx *BlockFilterIndex) lookupRange(startHeight int32,
	stop *chainntfns.BlockRef) ([]*filterRecord, error) {

	if startHeight < 0 {
		return nil, fmt.Errorf("invalid start height %d", startHeight)
	}
	if startHeight > stop.Height {
		return nil, fmt.Errorf("start height %d beyond stop height "+
			"%d", startHeight, stop.Height)
	}

	stopRec, err := idx.lookupRecord(stop)
	if err != nil {
		return nil, err
	}

	recs := make([]*filterRecord, 0, stop.Height-startHeight+1)
	for height := startHeight; height < stop.Height; height++ {
		rec, err := idx.loadRecord(uint32(height))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	return append(recs, stopRec), nil
}

// LookupFilterRange returns the filters of the ascending block range
// ending in stop, starting at startHeight. The result is all or nothing:
// a single block of the range that cannot be resolved fails the whole
// call.
func (idx *BlockFilterIndex) LookupFilterRange(startHeight int32,
	stop *chainntfns.BlockRef) ([]*gcs.Filter, error) {

	recs, err := idx.lookupRange(startHeight, stop)
	if err != nil {
		return nil, err
	}

	filters := make([]*gcs.Filter, 0, len(recs))
	for _, rec := range recs {
		filter, err := idx.readFilter(rec)
		if err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}

	return filters, nil
}

// LookupFilterHashRange returns the filter hashes of the ascending block
// range ending in stop, starting at startHeight. Like LookupFilterRange,
// the result is all or nothing.
func (idx *BlockFilterIndex) LookupFilterHashRange(startHeight int32,
	stop *chainntfns.BlockRef) ([]chainhash.Hash, error) {

	recs, err := idx.lookupRange(startHeight, stop)
	if err != nil {
		return nil, err
	}

	hashes := make([]chainhash.Hash, 0, len(recs))
	for _, rec := range recs {
		hashes = append(hashes, rec.filterHash)
	}

	return hashes, nil
}

// FilterData groups a block's pre built filter with the block it belongs
// to, used when bulk appending filters.
type FilterData struct {
	// Ref is the block the filter belongs to.
	Ref *chainntfns.BlockRef

	// Filter is the block's basic filter.
	Filter *gcs.Filter
}

// AppendFilters verifies and appends a batch of pre built filters. The
// batch must directly extend the current best indexed block in ascending
// height order and commits atomically, marker included.
func (idx *BlockFilterIndex) AppendFilters(filters []*FilterData) error {
	if len(filters) == 0 {
		return nil
	}

	tip := idx.BestIndexed()

	// The previous filter header the first new header chains onto.
	var prevHeader chainhash.Hash
	if tip != nil {
		rec, err := idx.loadRecord(uint32(tip.Height))
		if err != nil {
			return err
		}
		prevHeader = rec.filterHeader
	}

	batch := idx.db.NewBatch()

	prev := tip
	for _, fd := range filters {
		ref := fd.Ref

		// Each filter must extend the one before it.
		switch {
		case prev == nil:
			if ref.Height != 0 {
				return fmt.Errorf("cannot append filter at "+
					"height %d to an empty index",
					ref.Height)
			}

		case ref.Height != prev.Height+1 || ref.Prev != prev.Hash:
			return fmt.Errorf("filter %v (height %d) does not "+
				"extend %v (height %d)", ref.Hash, ref.Height,
				prev.Hash, prev.Height)
		}

		filterHash, err := builder.GetFilterHash(fd.Filter)
		if err != nil {
			return err
		}
		filterHeader, err := builder.MakeHeaderForFilter(
			fd.Filter, prevHeader,
		)
		if err != nil {
			return err
		}

		err = chainsync.ControlCFHeader(
			idx.cfg.ChainParams, idx.cfg.FilterType,
			uint32(ref.Height), &filterHeader,
		)
		if err != nil {
			return fmt.Errorf("appended filter header of %v "+
				"(height %d): %w", ref.Hash, ref.Height, err)
		}

		filterBytes, err := fd.Filter.NBytes()
		if err != nil {
			return err
		}

		err = idx.stageFilter(
			ref, filterBytes, filterHash, filterHeader, batch,
		)
		if err != nil {
			return err
		}

		prevHeader = filterHeader
		prev = ref
	}

	batch.Put(bestIndexedKey, serializeBestIndexed(prev))

	return idx.Commit(batch)
}

// CheckConsistency walks the committed records from the first block up to
// the marker. It verifies that every record decodes, that its filter
// bytes are readable and hash to the recorded filter hash, that the
// header chain links up, and that headers at known checkpoint heights
// match the hard coded good values.
func (idx *BlockFilterIndex) CheckConsistency() error {
	tip := idx.BestIndexed()
	if tip == nil {
		return nil
	}

	var prevHeader chainhash.Hash
	for height := int32(0); height <= tip.Height; height++ {
		rec, err := idx.loadRecord(uint32(height))
		if err != nil {
			return err
		}

		filter, err := idx.readFilter(rec)
		if err != nil {
			return err
		}

		filterHash, err := builder.GetFilterHash(filter)
		if err != nil {
			return err
		}
		if filterHash != rec.filterHash {
			return fmt.Errorf("%w: filter hash mismatch at "+
				"height %d", ErrIndexCorrupt, height)
		}

		header, err := builder.MakeHeaderForFilter(filter, prevHeader)
		if err != nil {
			return err
		}
		if header != rec.filterHeader {
			return fmt.Errorf("%w: filter header mismatch at "+
				"height %d", ErrIndexCorrupt, height)
		}

		err = chainsync.ControlCFHeader(
			idx.cfg.ChainParams, idx.cfg.FilterType,
			uint32(height), &header,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
		}

		prevHeader = header
	}

	return nil
}
