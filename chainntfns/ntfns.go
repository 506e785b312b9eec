package chainntfns

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// BlockNtfn is an interface that coalesces all the different types of block
// notifications.
type BlockNtfn interface {
	// Header returns the header of the block for which this notification
	// is for.
	Header() *wire.BlockHeader

	// Height returns the height of the block for which this notification
	// is for.
	Height() uint32
}

// Connected is a block notification that gets dispatched to clients when a
// new block has been found that extends the current chain.
type Connected struct {
	header wire.BlockHeader
	height uint32
}

// A compile-time check to ensure Connected satisfies the BlockNtfn
// interface.
var _ BlockNtfn = (*Connected)(nil)

// NewBlockConnected creates a new Connected notification for the given
// block.
func NewBlockConnected(header wire.BlockHeader, height uint32) *Connected {
	return &Connected{
		header: header,
		height: height,
	}
}

// Header returns the header of the block extending the chain.
func (c *Connected) Header() *wire.BlockHeader {
	return &c.header
}

// Height returns the height at which the block extends the chain.
func (c *Connected) Height() uint32 {
	return c.height
}

// String returns the string representation of a Connected notification.
func (c *Connected) String() string {
	return fmt.Sprintf("block connected (height=%d, hash=%v)", c.height,
		c.header.BlockHash())
}

// Disconnected is a notification that gets dispatched to clients when a
// reorg has been detected at the tip of the chain.
type Disconnected struct {
	headerDisconnected wire.BlockHeader
	heightDisconnected uint32

	chainTip wire.BlockHeader
}

// A compile-time check to ensure Disconnected satisfies the BlockNtfn
// interface.
var _ BlockNtfn = (*Disconnected)(nil)

// NewBlockDisconnected creates a new Disconnected notification for the
// block being disconnected along with the new tip of the chain.
func NewBlockDisconnected(headerDisconnected wire.BlockHeader,
	heightDisconnected uint32, chainTip wire.BlockHeader) *Disconnected {

	return &Disconnected{
		headerDisconnected: headerDisconnected,
		heightDisconnected: heightDisconnected,
		chainTip:           chainTip,
	}
}

// Header returns the header of the block being disconnected from the chain.
func (d *Disconnected) Header() *wire.BlockHeader {
	return &d.headerDisconnected
}

// Height returns the height of the block being disconnected from the chain.
func (d *Disconnected) Height() uint32 {
	return d.heightDisconnected
}

// ChainTip returns the header of the new tip of the chain after the block
// has been disconnected.
func (d *Disconnected) ChainTip() *wire.BlockHeader {
	return &d.chainTip
}

// String returns the string representation of a Disconnected notification.
func (d *Disconnected) String() string {
	return fmt.Sprintf("block disconnected (height=%d, hash=%v)",
		d.heightDisconnected, d.headerDisconnected.BlockHash())
}
