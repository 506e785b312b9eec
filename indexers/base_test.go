package indexers

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Empact/bitcoin/chainntfns"
	"github.com/Empact/bitcoin/indexdb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout  = 5 * time.Second
	pollInterval = 10 * time.Millisecond
)

var errChainUnavailable = errors.New("chain unavailable")

// makeTestBlock builds a deterministic block on top of the given previous
// hash with a single coinbase like transaction whose output script is
// unique per height and nonce.
func makeTestBlock(prevHash *chainhash.Hash, height int32,
	nonce uint32) *btcutil.Block {

	pkScript := make([]byte, 25)
	pkScript[0] = 0x76 // OP_DUP
	pkScript[1] = 0xa9 // OP_HASH160
	pkScript[2] = 0x14
	binary.BigEndian.PutUint32(pkScript[3:], uint32(height))
	binary.BigEndian.PutUint32(pkScript[7:], nonce)
	pkScript[23] = 0x88 // OP_EQUALVERIFY
	pkScript[24] = 0xac // OP_CHECKSIG

	tx := &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{Index: ^uint32(0)},
			SignatureScript: []byte{
				0x04, byte(height), byte(height >> 8),
				byte(height >> 16), byte(height >> 24),
			},
			Sequence: ^uint32(0),
		}},
		TxOut: []*wire.TxOut{{
			Value:    5000000000,
			PkScript: pkScript,
		}},
	}

	msgBlock := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    1,
			PrevBlock:  *prevHash,
			MerkleRoot: tx.TxHash(),
			Timestamp:  time.Unix(1700000000+int64(height), 0),
			Bits:       0x1d00ffff,
			Nonce:      nonce,
		},
		Transactions: []*wire.MsgTx{tx},
	}

	block := btcutil.NewBlock(msgBlock)
	block.SetHeight(height)

	return block
}

// mockChain is an in memory chain the tests drive directly. It implements
// the chain source and notification source interfaces the engine
// consumes. Blocks of abandoned branches stay available for hash based
// lookups.
type mockChain struct {
	mtx sync.RWMutex

	active []*chainntfns.BlockRef
	refs   map[chainhash.Hash]*chainntfns.BlockRef
	blocks map[chainhash.Hash]*btcutil.Block

	ntfnChan chan chainntfns.BlockNtfn

	// failReads makes the next n tip or height lookups fail with a
	// transient error.
	failReads int
}

var _ chainntfns.ChainSource = (*mockChain)(nil)
var _ chainntfns.NotificationSource = (*mockChain)(nil)

func newMockChain() *mockChain {
	return &mockChain{
		refs:     make(map[chainhash.Hash]*chainntfns.BlockRef),
		blocks:   make(map[chainhash.Hash]*btcutil.Block),
		ntfnChan: make(chan chainntfns.BlockNtfn, 64),
	}
}

// mine extends the active chain by one block and returns its reference.
func (c *mockChain) mine(nonce uint32) *chainntfns.BlockRef {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	prevHash := chainhash.Hash{}
	height := int32(0)
	if n := len(c.active); n > 0 {
		prevHash = c.active[n-1].Hash
		height = int32(n)
	}

	block := makeTestBlock(&prevHash, height, nonce)
	ref := &chainntfns.BlockRef{
		Hash:   *block.Hash(),
		Height: height,
		Prev:   prevHash,
	}

	c.active = append(c.active, ref)
	c.refs[ref.Hash] = ref
	c.blocks[ref.Hash] = block

	return ref
}

// mineN extends the active chain by n blocks.
func (c *mockChain) mineN(n int, nonce uint32) {
	for i := 0; i < n; i++ {
		c.mine(nonce)
	}
}

// rollback drops the active tip, keeping its block around for stale
// branch lookups.
func (c *mockChain) rollback() *chainntfns.BlockRef {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	n := len(c.active)
	dropped := c.active[n-1]
	c.active = c.active[:n-1]

	return dropped
}

func (c *mockChain) tip() *chainntfns.BlockRef {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.active[len(c.active)-1]
}

func (c *mockChain) refAt(height int32) *chainntfns.BlockRef {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.active[height]
}

func (c *mockChain) headerOf(ref *chainntfns.BlockRef) wire.BlockHeader {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.blocks[ref.Hash].MsgBlock().Header
}

func (c *mockChain) setFailReads(n int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.failReads = n
}

func (c *mockChain) maybeFail() error {
	if c.failReads > 0 {
		c.failReads--
		return errChainUnavailable
	}

	return nil
}

func (c *mockChain) sendConnected(ref *chainntfns.BlockRef) {
	c.ntfnChan <- chainntfns.NewBlockConnected(
		c.headerOf(ref), uint32(ref.Height),
	)
}

func (c *mockChain) sendDisconnected(dropped *chainntfns.BlockRef) {
	c.ntfnChan <- chainntfns.NewBlockDisconnected(
		c.headerOf(dropped), uint32(dropped.Height),
		c.headerOf(c.tip()),
	)
}

func (c *mockChain) BestBlock() (*chainntfns.BlockRef, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.maybeFail(); err != nil {
		return nil, err
	}
	if len(c.active) == 0 {
		return nil, errors.New("empty chain")
	}

	return c.active[len(c.active)-1], nil
}

func (c *mockChain) BlockRef(hash *chainhash.Hash) (*chainntfns.BlockRef,
	error) {

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	ref, ok := c.refs[*hash]
	if !ok {
		return nil, errors.New("unknown block")
	}

	return ref, nil
}

func (c *mockChain) BlockRefByHeight(height int32) (*chainntfns.BlockRef,
	error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.maybeFail(); err != nil {
		return nil, err
	}
	if height < 0 || int(height) >= len(c.active) {
		return nil, errors.New("no block at height")
	}

	return c.active[height], nil
}

func (c *mockChain) BlockByHash(hash *chainhash.Hash) (*btcutil.Block,
	error) {

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	block, ok := c.blocks[*hash]
	if !ok {
		return nil, errors.New("unknown block")
	}

	return block, nil
}

func (c *mockChain) SpentOutputScripts(_ *chainhash.Hash) ([][]byte,
	error) {

	// The test blocks only carry coinbase like transactions which spend
	// nothing.
	return nil, nil
}

func (c *mockChain) Notifications() <-chan chainntfns.BlockNtfn {
	return c.ntfnChan
}

func (c *mockChain) NotificationsSinceHeight(
	height uint32) ([]chainntfns.BlockNtfn, uint32, error) {

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	best := uint32(0)
	if n := len(c.active); n > 0 {
		best = uint32(c.active[n-1].Height)
	}

	var ntfns []chainntfns.BlockNtfn
	for h := height + 1; h <= best && int(h) < len(c.active); h++ {
		ref := c.active[h]
		header := c.blocks[ref.Hash].MsgBlock().Header
		ntfns = append(ntfns, chainntfns.NewBlockConnected(header, h))
	}

	return ntfns, best, nil
}

// mockRecordKey is the database key of the mock indexer's per height
// record.
func mockRecordKey(height int32) []byte {
	key := make([]byte, 5)
	key[0] = 'x'
	binary.BigEndian.PutUint32(key[1:], uint32(height))

	return key
}

// mockIndexer is a minimal Indexer backed by a real index database. It
// records every block written and unwound through it once the matching
// batch has committed.
type mockIndexer struct {
	dbPath     string
	memoryOnly bool

	db *indexdb.DB

	mtx           sync.Mutex
	tip           *chainntfns.BlockRef
	pendingTip    *chainntfns.BlockRef
	pendingSet    bool
	pendingWrite  *chainntfns.BlockRef
	pendingUnwind *chainntfns.BlockRef

	written []*chainntfns.BlockRef
	unwound []*chainntfns.BlockRef

	commitDelay time.Duration
	failCommits int
	closed      bool
}

var _ Indexer = (*mockIndexer)(nil)

func newMockIndexer(dbPath string, memoryOnly bool) *mockIndexer {
	return &mockIndexer{
		dbPath:     dbPath,
		memoryOnly: memoryOnly,
	}
}

func (m *mockIndexer) Init() error {
	db, err := indexdb.Open(m.dbPath, m.memoryOnly, false)
	if err != nil {
		return err
	}

	tip, err := loadBestIndexed(db)
	if err != nil {
		db.Close()
		return err
	}

	m.mtx.Lock()
	m.db = db
	m.tip = tip
	m.mtx.Unlock()

	return nil
}

func (m *mockIndexer) Name() string {
	return "mock"
}

func (m *mockIndexer) BestIndexed() *chainntfns.BlockRef {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.tip
}

func (m *mockIndexer) WriteBlock(_ *btcutil.Block,
	ref *chainntfns.BlockRef, batch *indexdb.Batch) error {

	batch.Put(mockRecordKey(ref.Height), ref.Hash[:])

	m.mtx.Lock()
	m.pendingTip = ref
	m.pendingWrite = ref
	m.pendingSet = true
	m.mtx.Unlock()

	return nil
}

func (m *mockIndexer) Rewind(cur, prev *chainntfns.BlockRef,
	batch *indexdb.Batch) error {

	batch.Delete(mockRecordKey(cur.Height))

	m.mtx.Lock()
	m.pendingTip = prev
	m.pendingUnwind = cur
	m.pendingSet = true
	m.mtx.Unlock()

	return nil
}

func (m *mockIndexer) Commit(batch *indexdb.Batch) error {
	if m.commitDelay > 0 {
		time.Sleep(m.commitDelay)
	}

	m.mtx.Lock()
	if m.failCommits > 0 {
		m.failCommits--
		m.pendingSet = false
		m.pendingWrite, m.pendingUnwind = nil, nil
		m.mtx.Unlock()

		return errors.New("commit failed")
	}
	m.mtx.Unlock()

	if err := m.db.Commit(batch); err != nil {
		return err
	}

	m.mtx.Lock()
	if m.pendingSet {
		m.tip = m.pendingTip
		if m.pendingWrite != nil {
			m.written = append(m.written, m.pendingWrite)
		}
		if m.pendingUnwind != nil {
			m.unwound = append(m.unwound, m.pendingUnwind)
		}
		m.pendingSet = false
		m.pendingWrite, m.pendingUnwind = nil, nil
	}
	m.mtx.Unlock()

	return nil
}

func (m *mockIndexer) DB() *indexdb.DB {
	return m.db
}

func (m *mockIndexer) Close() error {
	m.mtx.Lock()
	m.closed = true
	db := m.db
	m.mtx.Unlock()

	if db != nil {
		return db.Close()
	}

	return nil
}

func (m *mockIndexer) setFailCommits(n int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.failCommits = n
}

func (m *mockIndexer) writtenRefs() []*chainntfns.BlockRef {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	refs := make([]*chainntfns.BlockRef, len(m.written))
	copy(refs, m.written)

	return refs
}

func (m *mockIndexer) unwoundRefs() []*chainntfns.BlockRef {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	refs := make([]*chainntfns.BlockRef, len(m.unwound))
	copy(refs, m.unwound)

	return refs
}

// newTestEngine wires an engine over the given chain and indexer with a
// running subscription manager. Everything is wound down when the test
// ends.
func newTestEngine(t *testing.T, chain *mockChain, idx Indexer) *Engine {
	t.Helper()

	subMgr := chainntfns.NewSubscriptionManager(chain)
	subMgr.Start()
	t.Cleanup(subMgr.Stop)

	engine := NewEngine(&EngineConfig{
		Index:         idx,
		Chain:         chain,
		Notifications: subMgr,
		RetryInterval: time.Millisecond,
	})
	t.Cleanup(func() {
		require.NoError(t, engine.Stop())
	})

	return engine
}

// TestEngineInitialSync asserts that a fresh engine applies the whole
// chain in ascending order and ends up synced on the tip.
func TestEngineInitialSync(t *testing.T) {
	t.Parallel()

	chain := newMockChain()
	chain.mineN(5, 0)

	idx := newMockIndexer("mock.db", true)
	engine := newTestEngine(t, chain, idx)

	require.Equal(t, Uninitialized, engine.State())
	require.NoError(t, engine.Start())
	require.NoError(t, engine.WaitUntilSynced(nil))

	require.Equal(t, Synced, engine.State())
	require.NoError(t, engine.Err())

	written := idx.writtenRefs()
	require.Len(t, written, 5)
	for i, ref := range written {
		require.Equal(t, int32(i), ref.Height)
		require.Equal(t, chain.refAt(int32(i)).Hash, ref.Hash)
	}
	require.Empty(t, idx.unwoundRefs())

	summary := engine.Summary()
	require.Equal(t, "mock", summary.Name)
	require.True(t, summary.Synced)
	require.Equal(t, int32(4), summary.BestHeight)
	require.Equal(t, chain.tip().Hash, summary.BestHash)
}

// TestEngineResumeFromMarker asserts that a restarted engine picks up at
// the committed marker instead of re-indexing from the start.
func TestEngineResumeFromMarker(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "mock.db")

	chain := newMockChain()
	chain.mineN(5, 0)

	idx := newMockIndexer(dbPath, false)
	engine := newTestEngine(t, chain, idx)
	require.NoError(t, engine.Start())
	require.NoError(t, engine.WaitUntilSynced(nil))
	require.NoError(t, engine.Stop())

	chain.mineN(3, 0)

	idx2 := newMockIndexer(dbPath, false)
	engine2 := newTestEngine(t, chain, idx2)
	require.NoError(t, engine2.Start())
	require.NoError(t, engine2.WaitUntilSynced(nil))

	// Only the three new blocks may have been written through the
	// second indexer.
	written := idx2.writtenRefs()
	require.Len(t, written, 3)
	for i, ref := range written {
		require.Equal(t, int32(5+i), ref.Height)
	}
	require.Equal(t, chain.tip().Hash, idx2.BestIndexed().Hash)
}

// TestEngineReorg asserts that an engine detecting a stale tip unwinds
// exactly the abandoned blocks, one at a time, before applying the
// replacement branch.
func TestEngineReorg(t *testing.T) {
	t.Parallel()

	chain := newMockChain()
	chain.mineN(7, 0)

	idx := newMockIndexer("mock.db", true)
	engine := newTestEngine(t, chain, idx)
	require.NoError(t, engine.Start())
	require.NoError(t, engine.WaitUntilSynced(nil))

	// Abandon blocks 4 to 6 and replace them with a longer branch built
	// from different blocks.
	old6 := chain.rollback()
	old5 := chain.rollback()
	old4 := chain.rollback()
	chain.mineN(4, 1)
	newTip := chain.tip()
	require.Equal(t, int32(7), newTip.Height)

	// Announce the new tip. It neither extends the indexed tip nor
	// matches it, which forces a full pass.
	chain.sendConnected(newTip)

	require.Eventually(t, func() bool {
		best := idx.BestIndexed()
		return best != nil && best.Hash == newTip.Hash
	}, testTimeout, pollInterval)

	unwound := idx.unwoundRefs()
	require.Len(t, unwound, 3)
	require.Equal(t, old6.Hash, unwound[0].Hash)
	require.Equal(t, old5.Hash, unwound[1].Hash)
	require.Equal(t, old4.Hash, unwound[2].Hash)

	// The replacement branch was applied in ascending order.
	written := idx.writtenRefs()
	require.Len(t, written, 7+4)
	for i, ref := range written[7:] {
		require.Equal(t, chain.refAt(int32(4+i)).Hash, ref.Hash)
	}

	require.Eventually(t, func() bool {
		return engine.State() == Synced
	}, testTimeout, pollInterval)
}

// TestEngineCommitFailureKeepsMarker asserts that a failed commit stops
// the engine without moving the marker or leaking partial records.
func TestEngineCommitFailureKeepsMarker(t *testing.T) {
	t.Parallel()

	chain := newMockChain()
	chain.mineN(4, 0)

	idx := newMockIndexer("mock.db", true)
	engine := newTestEngine(t, chain, idx)
	require.NoError(t, engine.Start())
	require.NoError(t, engine.WaitUntilSynced(nil))

	oldTip := idx.BestIndexed()
	require.Equal(t, int32(3), oldTip.Height)

	idx.setFailCommits(1)
	newRef := chain.mine(0)
	chain.sendConnected(newRef)

	require.Eventually(t, func() bool {
		return engine.State() == Stopped
	}, testTimeout, pollInterval)

	err := engine.Err()
	require.Error(t, err)
	require.ErrorContains(t, err, "commit failed")

	// Marker and records are untouched, in memory and on disk.
	require.Equal(t, oldTip.Hash, idx.BestIndexed().Hash)

	marker, err := loadBestIndexed(idx.db)
	require.NoError(t, err)
	require.Equal(t, oldTip.Hash, marker.Hash)

	has, err := idx.db.Has(mockRecordKey(4))
	require.NoError(t, err)
	require.False(t, has)

	// Waiters observe the failure instead of hanging.
	require.ErrorContains(t, engine.WaitUntilSynced(nil), "commit failed")
}

// TestEngineInterruptAndResume asserts that an interrupt lands between
// two blocks, that the engine winds down cleanly, and that a restarted
// engine finishes the job without gaps or duplicates.
func TestEngineInterruptAndResume(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "mock.db")

	chain := newMockChain()
	chain.mineN(400, 0)

	idx := newMockIndexer(dbPath, false)
	idx.commitDelay = time.Millisecond

	engine := newTestEngine(t, chain, idx)
	require.NoError(t, engine.Start())

	require.Eventually(t, func() bool {
		return len(idx.writtenRefs()) > 10
	}, testTimeout, pollInterval)

	engine.Interrupt()

	require.ErrorIs(t, engine.WaitUntilSynced(nil), ErrInterrupted)
	require.Eventually(t, func() bool {
		return engine.State() == Stopped
	}, testTimeout, pollInterval)
	require.NoError(t, engine.Err())

	best := idx.BestIndexed()
	require.NotNil(t, best)
	require.Less(t, best.Height, int32(399))
	require.NoError(t, engine.Stop())

	// A fresh engine over the same database finishes the sync.
	idx2 := newMockIndexer(dbPath, false)
	engine2 := newTestEngine(t, chain, idx2)
	require.NoError(t, engine2.Start())
	require.NoError(t, engine2.WaitUntilSynced(nil))
	require.Equal(t, chain.tip().Hash, idx2.BestIndexed().Hash)

	// Together both runs wrote every height exactly once, in order.
	heights := make([]int32, 0, 400)
	for _, ref := range append(idx.writtenRefs(), idx2.writtenRefs()...) {
		heights = append(heights, ref.Height)
	}
	require.Len(t, heights, 400)
	for i, height := range heights {
		require.Equal(t, int32(i), height)
	}
}

// TestEngineTransientChainErrors asserts that failing chain reads delay
// the sync instead of killing it.
func TestEngineTransientChainErrors(t *testing.T) {
	t.Parallel()

	chain := newMockChain()
	chain.mineN(5, 0)
	chain.setFailReads(3)

	idx := newMockIndexer("mock.db", true)
	engine := newTestEngine(t, chain, idx)
	require.NoError(t, engine.Start())
	require.NoError(t, engine.WaitUntilSynced(nil))

	require.NoError(t, engine.Err())
	require.Equal(t, chain.tip().Hash, idx.BestIndexed().Hash)
}

// TestEngineLiveNotifications asserts that a synced engine follows
// connected and disconnected block events.
func TestEngineLiveNotifications(t *testing.T) {
	t.Parallel()

	chain := newMockChain()
	chain.mineN(4, 0)

	idx := newMockIndexer("mock.db", true)
	engine := newTestEngine(t, chain, idx)
	require.NoError(t, engine.Start())
	require.NoError(t, engine.WaitUntilSynced(nil))

	// A block cleanly extending the tip is applied directly.
	newRef := chain.mine(0)
	chain.sendConnected(newRef)

	require.Eventually(t, func() bool {
		best := idx.BestIndexed()
		return best != nil && best.Hash == newRef.Hash
	}, testTimeout, pollInterval)
	require.Empty(t, idx.unwoundRefs())

	// Disconnecting the tip rolls back exactly that block.
	dropped := chain.rollback()
	chain.sendDisconnected(dropped)

	require.Eventually(t, func() bool {
		best := idx.BestIndexed()
		return best != nil && best.Hash == chain.tip().Hash
	}, testTimeout, pollInterval)

	unwound := idx.unwoundRefs()
	require.Len(t, unwound, 1)
	require.Equal(t, dropped.Hash, unwound[0].Hash)

	require.Eventually(t, func() bool {
		return engine.State() == Synced
	}, testTimeout, pollInterval)
}
