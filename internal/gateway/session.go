package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jensholdgaard/auction-engine/internal/auth"
	"github.com/jensholdgaard/auction-engine/internal/broadcast"
	"github.com/jensholdgaard/auction-engine/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4096
)

// Session is one authenticated bidirectional connection. Inbound frames
// are handled sequentially in arrival order; outbound frames multiplex
// direct responses, per-user notifications, and the broadcast streams of
// joined auctions.
type Session struct {
	id       string
	identity auth.Identity
	gw       *Gateway
	conn     *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte

	mu   sync.Mutex
	subs map[string]*broadcast.Subscriber

	closeOnce sync.Once
}

// enqueue offers a frame to the session without blocking. Frames to a
// stalled session are dropped; the broadcast path evicts such
// subscribers separately.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	default:
	}
}

func (s *Session) sendEvent(evt protocol.Event) {
	frame, err := json.Marshal(evt)
	if err != nil {
		s.gw.logger.Error("marshalling event", slog.Any("error", err))
		return
	}
	s.enqueue(frame)
}

// run drives the read and write pumps and blocks until the connection
// ends.
func (s *Session) run() {
	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	_ = s.conn.SetReadDeadline(s.gw.clock.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(s.gw.clock.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.gw.logger.Debug("session read error",
					slog.String("conn_id", s.id),
					slog.Any("error", err),
				)
			}
			return
		}
		s.gw.handleCommand(s, raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(s.gw.clock.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(s.gw.clock.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// joined returns the subscriber for an auction, if this session joined it.
func (s *Session) joined(auctionID string) (*broadcast.Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[auctionID]
	return sub, ok
}

func (s *Session) addSub(auctionID string, sub *broadcast.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[auctionID] = sub
}

func (s *Session) removeSub(auctionID string) (*broadcast.Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[auctionID]
	delete(s.subs, auctionID)
	return sub, ok
}

// close tears the session down: cancels pending commands, leaves every
// joined auction, and releases the connection.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		subs := s.subs
		s.subs = make(map[string]*broadcast.Subscriber)
		s.mu.Unlock()

		for auctionID, sub := range subs {
			s.gw.fabric.Unsubscribe(auctionID, sub)
			s.gw.publishPeer(protocol.EvtPeerLeft, auctionID, s.identity)
		}

		s.gw.hub.unregister(s)
		if s.gw.metrics != nil {
			s.gw.metrics.SessionClosed(context.Background())
		}
		_ = s.conn.Close()

		s.gw.logger.Info("session closed",
			slog.String("conn_id", s.id),
			slog.String("user_id", s.identity.ID),
		)
	})
}

// forward pipes one auction's broadcast stream into the session until
// the subscription ends.
func (s *Session) forward(auctionID string, sub *broadcast.Subscriber) {
	for {
		select {
		case frame := <-sub.Messages:
			s.enqueue(frame)
		case <-sub.Done:
			// Evicted by the fabric as a slow consumer.
			s.removeSub(auctionID)
			return
		case <-s.ctx.Done():
			return
		}
	}
}
