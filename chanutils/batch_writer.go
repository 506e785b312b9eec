package chanutils

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// BatchWriterConfig holds the configuration options for BatchWriter.
type BatchWriterConfig[T any] struct {
	// QueueBufferSize sets the buffer size of the output channel of the
	// concurrent queue used by the BatchWriter.
	QueueBufferSize int

	// MaxBatch is the maximum number of items to be persisted to the DB
	// in one go.
	MaxBatch int

	// DBWritesTickerDuration is the time after receiving an item that the
	// writer will wait for more items before writing the current batch
	// to the DB.
	DBWritesTickerDuration time.Duration

	// PutItems will be used by the BatchWriter to persist items in
	// batches.
	PutItems func(...T) error
}

// BatchWriter manages writing items to the DB and tries to batch the writes
// as much as possible.
type BatchWriter[T any] struct {
	started sync.Once
	stopped sync.Once

	cfg *BatchWriterConfig[T]

	queue  *ConcurrentQueue[T]
	ticker ticker.Ticker

	errMtx sync.Mutex
	err    error

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBatchWriter constructs a new BatchWriter using the given
// BatchWriterConfig.
func NewBatchWriter[T any](cfg *BatchWriterConfig[T]) *BatchWriter[T] {
	return &BatchWriter[T]{
		cfg:    cfg,
		queue:  NewConcurrentQueue[T](cfg.QueueBufferSize),
		ticker: ticker.New(cfg.DBWritesTickerDuration),
		quit:   make(chan struct{}),
	}
}

// Start starts the BatchWriter.
func (b *BatchWriter[T]) Start() {
	b.started.Do(func() {
		b.queue.Start()

		b.wg.Add(1)
		go b.manageNewItems()
	})
}

// Stop stops the BatchWriter after flushing the batch currently being
// collected. The first error encountered while persisting a batch is
// returned so that callers draining the writer do not mistake a failed
// flush for success.
func (b *BatchWriter[T]) Stop() error {
	b.stopped.Do(func() {
		close(b.quit)
		b.wg.Wait()

		b.queue.Stop()
	})

	return b.Err()
}

// Err returns the first error returned by the PutItems call-back, if any.
// Once a batch has failed to persist, the writer drops all later batches
// since persisting them would leave a gap in the sequence.
func (b *BatchWriter[T]) Err() error {
	b.errMtx.Lock()
	defer b.errMtx.Unlock()

	return b.err
}

// storeErr records the first persist error.
func (b *BatchWriter[T]) storeErr(err error) {
	b.errMtx.Lock()
	defer b.errMtx.Unlock()

	if b.err == nil {
		b.err = err
	}
}

// AddItem adds a given item to the BatchWriter queue.
func (b *BatchWriter[T]) AddItem(item T) {
	b.queue.ChanIn() <- item
}

// manageNewItems manages collecting items and persisting them to the DB.
// There are two conditions for writing a batch of items to the DB: the first
// is if a certain threshold (MaxBatch) of items has been collected and the
// other is if at least one item has been collected and a timeout has been
// reached.
//
// NOTE: this must be run in a goroutine.
func (b *BatchWriter[T]) manageNewItems() {
	defer b.wg.Done()

	batch := make([]T, 0, b.cfg.MaxBatch)

	// writeBatch writes the current contents of the batch slice to the
	// DB.
	writeBatch := func() {
		if len(batch) == 0 {
			return
		}

		if b.Err() == nil {
			err := b.cfg.PutItems(batch...)
			if err != nil {
				log.Errorf("Could not write items to the "+
					"backing store: %v", err)

				b.storeErr(err)
			}
		}

		// Empty the batch slice.
		batch = make([]T, 0, b.cfg.MaxBatch)
	}

	defer b.ticker.Stop()

	// Leave the ticker paused until there is at least one item in the
	// batch.
	b.ticker.Pause()

	for {
		select {
		case item := <-b.queue.ChanOut():
			batch = append(batch, item)

			switch len(batch) {
			// If the batch slice is full, we pause the ticker and
			// write the batch contents to disk.
			case b.cfg.MaxBatch:
				b.ticker.Pause()
				writeBatch()

			// If an item is added to the batch, we resume the
			// ticker. This ensures that if the batch threshold is
			// not met then items are still persisted in a timely
			// manner.
			default:
				b.ticker.Resume()
			}

		case <-b.ticker.Ticks():
			// If the ticker ticks, then we pause it and write the
			// current batch contents to the db. If any more items
			// are added, the ticker will be resumed.
			b.ticker.Pause()
			writeBatch()

		case <-b.quit:
			writeBatch()

			return
		}
	}
}
