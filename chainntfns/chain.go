package chainntfns

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockRef pins an exact block through its hash, its height, and the hash of
// its predecessor. A reference stays valid after a reorg even when the block
// it names is no longer part of the active chain.
type BlockRef struct {
	// Hash is the hash of the block.
	Hash chainhash.Hash

	// Height is the height of the block within its chain.
	Height int32

	// Prev is the hash of the block's predecessor.
	Prev chainhash.Hash
}

// ChainSource abstracts the chain engine that block data and chain topology
// are read from. Implementations must retain blocks of abandoned branches so
// that callers can walk backwards off a stale branch after a reorg.
type ChainSource interface {
	// BestBlock returns the current tip of the active chain.
	BestBlock() (*BlockRef, error)

	// BlockRef returns the reference of the block with the given hash,
	// whether it lives on the active chain or on an abandoned branch.
	BlockRef(hash *chainhash.Hash) (*BlockRef, error)

	// BlockRefByHeight returns the reference of the block at the given
	// height on the active chain.
	BlockRefByHeight(height int32) (*BlockRef, error)

	// BlockByHash returns the full block with the given hash.
	BlockByHash(hash *chainhash.Hash) (*btcutil.Block, error)

	// SpentOutputScripts returns the scripts of all previous outputs
	// spent by transactions within the block with the given hash, in
	// block order.
	SpentOutputScripts(hash *chainhash.Hash) ([][]byte, error)
}

// NotificationSource is an interface responsible for delivering notifications
// of the latest block events of a chain.
type NotificationSource interface {
	// Notifications returns the channel through which live block
	// notifications are streamed.
	Notifications() <-chan BlockNtfn

	// NotificationsSinceHeight returns a backlog of block notifications
	// starting from the given height to the tip of the chain, along with
	// the height the backlog runs to.
	NotificationsSinceHeight(height uint32) ([]BlockNtfn, uint32, error)
}
