package indexers

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/clock"
)

// indexProgressLogger provides periodic logging to show users the progress
// of an index working its way through the blocks of the chain.
type indexProgressLogger struct {
	processedBlocks  int64
	lastBlockLogTime time.Time

	clock clock.Clock

	subsystemLogger btclog.Logger
	progressAction  string
	sync.Mutex
}

// newIndexProgressLogger returns a new index progress logger.
// The progress message is templated as follows:
//
//	{progressAction} {numProcessed} {blocks|block} in the last {timePeriod}
//	(height {lastBlockHeight})
func newIndexProgressLogger(progressAction string, c clock.Clock,
	logger btclog.Logger) *indexProgressLogger {

	return &indexProgressLogger{
		lastBlockLogTime: c.Now(),
		clock:            c,
		progressAction:   progressAction,
		subsystemLogger:  logger,
	}
}

// LogBlockHeight logs a new block height as an information message to show
// progress to the user. In order to prevent spam, it limits logging to one
// message every 10 seconds with duration and totals included.
func (p *indexProgressLogger) LogBlockHeight(height int32) {
	p.Lock()
	defer p.Unlock()

	p.processedBlocks++

	now := p.clock.Now()
	duration := now.Sub(p.lastBlockLogTime)
	if duration < time.Second*10 {
		return
	}

	// Truncate the duration to 10s of milliseconds.
	durationMillis := int64(duration / time.Millisecond)
	tDuration := 10 * time.Millisecond * time.Duration(durationMillis/10)

	// Log information about the new block height.
	blockStr := "blocks"
	if p.processedBlocks == 1 {
		blockStr = "block"
	}
	p.subsystemLogger.Infof("%s %d %s in the last %s (height %d)",
		p.progressAction, p.processedBlocks, blockStr, tDuration,
		height)

	p.processedBlocks = 0
	p.lastBlockLogTime = now
}

// SetLastLogTime overrides the reference point the next progress interval is
// measured from.
func (p *indexProgressLogger) SetLastLogTime(t time.Time) {
	p.Lock()
	defer p.Unlock()

	p.lastBlockLogTime = t
}
