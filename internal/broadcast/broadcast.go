// Package broadcast fans engine events out to auction subscribers. Frames
// for one auction are delivered in the order the lane produced them; a
// subscriber that cannot keep up is evicted, never waited on.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jensholdgaard/auction-engine/internal/protocol"
)

// Subscriber is one connection's membership in an auction's broadcast set.
type Subscriber struct {
	ConnID   string
	UserID   string
	Username string
	// Messages receives marshalled frames. The channel must be buffered;
	// a full buffer marks the subscriber as slow and it is evicted.
	Messages chan []byte
	// Done is closed when the fabric evicts the subscriber.
	Done chan struct{}

	closeOnce sync.Once
}

// NewSubscriber returns a Subscriber with the given outbound buffer.
func NewSubscriber(connID, userID, username string, buffer int) *Subscriber {
	return &Subscriber{
		ConnID:   connID,
		UserID:   userID,
		Username: username,
		Messages: make(chan []byte, buffer),
		Done:     make(chan struct{}),
	}
}

func (s *Subscriber) evict() {
	s.closeOnce.Do(func() { close(s.Done) })
}

// Fabric maintains per-auction subscriber sets and an ordered delivery
// queue drained by a single goroutine, so per-auction event order equals
// publish order.
type Fabric struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}

	events chan protocol.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Fabric with the given event queue depth.
func New(logger *slog.Logger, queueDepth int) *Fabric {
	return &Fabric{
		logger: logger,
		subs:   make(map[string]map[*Subscriber]struct{}),
		events: make(chan protocol.Event, queueDepth),
		done:   make(chan struct{}),
	}
}

// Start begins the delivery loop.
func (f *Fabric) Start() {
	f.wg.Add(1)
	go f.deliverLoop()
}

// Stop drains nothing further and waits for the loop to exit.
func (f *Fabric) Stop() {
	close(f.done)
	f.wg.Wait()
}

// Subscribe adds a subscriber to an auction's set.
func (f *Fabric) Subscribe(auctionID string, sub *Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs[auctionID] == nil {
		f.subs[auctionID] = make(map[*Subscriber]struct{})
	}
	f.subs[auctionID][sub] = struct{}{}

	f.logger.Debug("subscriber added",
		slog.String("auction_id", auctionID),
		slog.String("conn_id", sub.ConnID),
	)
}

// Unsubscribe removes a subscriber from an auction's set.
func (f *Fabric) Unsubscribe(auctionID string, sub *Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(auctionID, sub)
}

// DropAuction removes every subscriber of a closed auction.
func (f *Fabric) DropAuction(auctionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, auctionID)
}

// Publish enqueues an event for ordered delivery. It never blocks; if the
// fabric queue itself is full the event is dropped and logged, and
// clients recover through seq-gap resync.
func (f *Fabric) Publish(evt protocol.Event) {
	select {
	case f.events <- evt:
	default:
		f.logger.Warn("broadcast queue full, event dropped",
			slog.String("auction_id", evt.AuctionID),
			slog.String("type", evt.Type),
			slog.Int64("seq", evt.Seq),
		)
	}
}

// Members returns the current subscribers of an auction.
func (f *Fabric) Members(auctionID string) []*Subscriber {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Subscriber, 0, len(f.subs[auctionID]))
	for sub := range f.subs[auctionID] {
		out = append(out, sub)
	}
	return out
}

// Count returns the subscriber count for an auction.
func (f *Fabric) Count(auctionID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[auctionID])
}

func (f *Fabric) deliverLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case evt := <-f.events:
			f.deliver(evt)
		}
	}
}

func (f *Fabric) deliver(evt protocol.Event) {
	frame, err := json.Marshal(evt)
	if err != nil {
		f.logger.Error("marshalling event", slog.Any("error", err))
		return
	}

	f.mu.RLock()
	subs := make([]*Subscriber, 0, len(f.subs[evt.AuctionID]))
	for sub := range f.subs[evt.AuctionID] {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()

	var slow []*Subscriber
	for _, sub := range subs {
		select {
		case sub.Messages <- frame:
		default:
			slow = append(slow, sub)
		}
	}

	if len(slow) == 0 {
		return
	}
	f.mu.Lock()
	for _, sub := range slow {
		f.removeLocked(evt.AuctionID, sub)
		sub.evict()
		f.logger.Warn("evicted slow subscriber",
			slog.String("auction_id", evt.AuctionID),
			slog.String("conn_id", sub.ConnID),
		)
	}
	f.mu.Unlock()
}

func (f *Fabric) removeLocked(auctionID string, sub *Subscriber) {
	if set, ok := f.subs[auctionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(f.subs, auctionID)
		}
	}
}
