package chainntfns

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrSubscriptionManagerStopped is an error returned when we attempt to
// register a new subscription after the manager has been stopped.
var ErrSubscriptionManagerStopped = errors.New("subscription manager was " +
	"stopped")

// Subscription represents an intent to receive notifications about the
// latest block events in the chain. The notifications are streamed through
// the Notifications channel. A Cancel closure is included to indicate that
// the client no longer wishes to receive any notifications.
type Subscription struct {
	// Notifications is the channel the subscription's block
	// notifications are delivered over.
	Notifications <-chan BlockNtfn

	// Cancel tears the subscription down and closes the Notifications
	// channel.
	Cancel func()
}

// newSubscription is an internal message used within the SubscriptionManager
// to denote a new client's intent to receive block notifications.
type newSubscription struct {
	canceled sync.Once

	id uint64

	ntfnChan  chan BlockNtfn
	ntfnQueue *queue.ConcurrentQueue

	bestHeight uint32

	errChan chan error

	quit chan struct{}
	wg   sync.WaitGroup
}

// cancel stops the subscription's notification forwarder and closes its
// notification channel.
func (s *newSubscription) cancel() {
	s.canceled.Do(func() {
		close(s.quit)
		s.wg.Wait()

		s.ntfnQueue.Stop()
		close(s.ntfnChan)
	})
}

// forwardNtfns delivers the subscription's queued notifications to the
// client in order.
//
// NOTE: This must be run as a goroutine.
func (s *newSubscription) forwardNtfns() {
	defer s.wg.Done()

	for {
		select {
		case item, ok := <-s.ntfnQueue.ChanOut():
			if !ok {
				return
			}

			select {
			case s.ntfnChan <- item.(BlockNtfn):
			case <-s.quit:
				return
			}

		case <-s.quit:
			return
		}
	}
}

// cancelSubscription is an internal message used within the
// SubscriptionManager to denote an existing client's intent to stop
// receiving block notifications.
type cancelSubscription struct {
	id uint64
}

// SubscriptionManager is responsible for managing the delivery of block
// notifications of a chain to multiple clients in an asynchronous manner.
type SubscriptionManager struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	subscriberCounter uint64 // To be used atomically.

	ntfnSource NotificationSource

	newSubscriptions    chan *newSubscription
	cancelSubscriptions chan *cancelSubscription

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSubscriptionManager creates a subscription manager backed by the given
// notification source.
func NewSubscriptionManager(
	ntfnSource NotificationSource) *SubscriptionManager {

	return &SubscriptionManager{
		ntfnSource:          ntfnSource,
		newSubscriptions:    make(chan *newSubscription),
		cancelSubscriptions: make(chan *cancelSubscription),
		quit:                make(chan struct{}),
	}
}

// Start starts all the goroutines required for the SubscriptionManager to
// carry out its duties.
func (m *SubscriptionManager) Start() {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return
	}

	m.wg.Add(1)
	go m.subscriptionHandler()
}

// Stop stops all active goroutines along with every client subscription.
func (m *SubscriptionManager) Stop() {
	if !atomic.CompareAndSwapInt32(&m.stopped, 0, 1) {
		return
	}

	close(m.quit)
	m.wg.Wait()
}

// NewSubscription registers a new client. bestHeight is the client's best
// known height; any notifications the source has seen past that point are
// replayed to the client before live ones are delivered.
func (m *SubscriptionManager) NewSubscription(bestHeight uint32) (
	*Subscription, error) {

	sub := &newSubscription{
		id:         atomic.AddUint64(&m.subscriberCounter, 1) - 1,
		ntfnChan:   make(chan BlockNtfn),
		ntfnQueue:  queue.NewConcurrentQueue(20),
		bestHeight: bestHeight,
		errChan:    make(chan error, 1),
		quit:       make(chan struct{}),
	}

	// Hand the intent over to the subscription handler, which delivers
	// the historical backlog before any new notifications.
	select {
	case m.newSubscriptions <- sub:
	case <-m.quit:
		return nil, ErrSubscriptionManagerStopped
	}

	select {
	case err := <-sub.errChan:
		if err != nil {
			return nil, err
		}
	case <-m.quit:
		return nil, ErrSubscriptionManagerStopped
	}

	return &Subscription{
		Notifications: sub.ntfnChan,
		Cancel: func() {
			m.cancelSubscription(sub)
		},
	}, nil
}

// cancelSubscription removes the given client subscription, stopping the
// delivery of any further notifications.
func (m *SubscriptionManager) cancelSubscription(sub *newSubscription) {
	select {
	case m.cancelSubscriptions <- &cancelSubscription{id: sub.id}:
	case <-m.quit:
		// The subscription handler tears down every client on its
		// way out.
	}
}

// subscriptionHandler is the main event handler of the SubscriptionManager.
// It atomically handles client registrations and cancellations, and fans
// out new block notifications to all registered clients.
//
// NOTE: This must be run as a goroutine.
func (m *SubscriptionManager) subscriptionHandler() {
	defer m.wg.Done()

	subscribers := make(map[uint64]*newSubscription)
	defer func() {
		for _, sub := range subscribers {
			sub.cancel()
		}
	}()

	for {
		select {
		// A new client wants to receive block notifications. We
		// first attempt to deliver their historical backlog before
		// adding them to the set of subscribers.
		case sub := <-m.newSubscriptions:
			backlog, _, err := m.ntfnSource.NotificationsSinceHeight(
				sub.bestHeight,
			)
			if err != nil {
				sub.errChan <- fmt.Errorf("unable to deliver "+
					"historical block notifications "+
					"since height %d: %w", sub.bestHeight,
					err)

				continue
			}

			sub.ntfnQueue.Start()
			sub.wg.Add(1)
			go sub.forwardNtfns()

			for _, ntfn := range backlog {
				sub.ntfnQueue.ChanIn() <- ntfn
			}

			subscribers[sub.id] = sub
			sub.errChan <- nil

		// An existing client no longer wishes to receive block
		// notifications.
		case msg := <-m.cancelSubscriptions:
			sub, ok := subscribers[msg.id]
			if !ok {
				continue
			}

			log.Debugf("Canceling subscription %d", msg.id)

			delete(subscribers, msg.id)
			sub.cancel()

		// A new block notification has arrived, fan it out to every
		// registered client.
		case ntfn, ok := <-m.ntfnSource.Notifications():
			if !ok {
				log.Warnf("Unable to dispatch block " +
					"notifications, source closed its " +
					"stream")
				return
			}

			log.Debugf("Dispatching %v", ntfn)

			for _, sub := range subscribers {
				sub.ntfnQueue.ChanIn() <- ntfn
			}

		case <-m.quit:
			return
		}
	}
}
