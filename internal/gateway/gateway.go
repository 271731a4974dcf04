// Package gateway is the WebSocket session layer: it authenticates
// subscribers, registers their connections, routes inbound commands to
// the engine, and delivers outbound events. Clients never carry their
// own identity in commands; every command is tagged with the identity
// verified at connect time.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/auth"
	"github.com/jensholdgaard/auction-engine/internal/broadcast"
	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/engine"
	"github.com/jensholdgaard/auction-engine/internal/protocol"
	"github.com/jensholdgaard/auction-engine/internal/store"
	"github.com/jensholdgaard/auction-engine/internal/telemetry"
)

// Gateway upgrades WebSocket connections and bridges them to the engine
// and the broadcast fabric.
type Gateway struct {
	engine   *engine.Engine
	fabric   *broadcast.Fabric
	hub      *Hub
	users    store.UserRepository
	verifier *auth.Verifier
	throttle *auth.Throttle
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock
	cfg      config.ServerConfig
	metrics  *telemetry.EngineMetrics

	upgrader websocket.Upgrader
}

// New creates a Gateway.
func New(eng *engine.Engine, fabric *broadcast.Fabric, hub *Hub, users store.UserRepository, verifier *auth.Verifier, throttle *auth.Throttle, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, cfg config.ServerConfig, metrics *telemetry.EngineMetrics) *Gateway {
	return &Gateway{
		engine:   eng,
		fabric:   fabric,
		hub:      hub,
		users:    users,
		verifier: verifier,
		throttle: throttle,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auction-engine/internal/gateway"),
		clock:    clk,
		cfg:      cfg,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles a subscriber connection: credential check first,
// then the upgrade. Failed attempts count against the source address.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := sourceAddr(r)
	if !g.throttle.Allow(addr) {
		writeReason(w, http.StatusTooManyRequests, protocol.ReasonAuthFailed)
		return
	}

	identity, err := g.authenticate(r)
	if err != nil {
		g.throttle.Fail(addr)
		g.logger.Warn("authentication failed",
			slog.String("addr", addr),
			slog.Any("error", err),
		)
		writeReason(w, http.StatusUnauthorized, protocol.ReasonAuthFailed)
		return
	}
	g.throttle.Reset(addr)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.NewString(),
		identity: *identity,
		gw:       g,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, g.cfg.WriteBuffer),
		subs:     make(map[string]*broadcast.Subscriber),
	}

	g.hub.register(s)
	if g.metrics != nil {
		g.metrics.SessionConnected(ctx)
	}
	g.logger.Info("session opened",
		slog.String("conn_id", s.id),
		slog.String("user_id", identity.ID),
		slog.String("username", identity.Username),
	)

	s.run()
}

// authenticate extracts the bearer credential, verifies it, and checks
// that the account is still active.
func (g *Gateway) authenticate(r *http.Request) (*auth.Identity, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); token == "" && strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return nil, auth.ErrInvalid
	}

	identity, err := g.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	u, err := g.users.GetByID(r.Context(), identity.ID)
	if err != nil {
		return nil, auth.ErrInvalid
	}
	if !u.Active {
		return nil, auth.ErrInvalid
	}
	return identity, nil
}

// handleCommand decodes one inbound frame and dispatches it under the
// session's identity.
func (g *Gateway) handleCommand(s *Session, raw []byte) {
	cmd, err := protocol.ParseCommand(raw)
	if err != nil {
		s.sendEvent(protocol.MustEvent(protocol.EvtError, "", 0, protocol.ErrorMessage{
			Message: err.Error(),
		}))
		return
	}

	ctx, span := g.tracer.Start(s.ctx, "Gateway.handleCommand",
		trace.WithAttributes(
			attribute.String("command", cmd.Type),
			attribute.String("user.id", s.identity.ID),
		),
	)
	defer span.End()

	switch cmd.Type {
	case protocol.CmdJoinAuction:
		g.handleJoin(ctx, s, cmd.AuctionID)
	case protocol.CmdLeaveAuction:
		g.handleLeave(s, cmd.AuctionID)
	case protocol.CmdPlaceBid:
		g.handlePlaceBid(ctx, s, cmd)
	case protocol.CmdSetProxy:
		g.handleSetProxy(ctx, s, cmd)
	case protocol.CmdCancelProxy:
		g.handleCancelProxy(ctx, s, cmd.AuctionID)
	}
}

// handleJoin subscribes the session to an auction and answers with the
// resync pair: a fresh auction_state plus the recent bid history. A
// rejoin is the protocol's gap-recovery path, so the snapshot always
// reflects the lane's current seq.
func (g *Gateway) handleJoin(ctx context.Context, s *Session, auctionID string) {
	state, snapshot, err := g.engine.Snapshot(ctx, auctionID)
	if err != nil {
		g.rejectEvent(s, protocol.EvtError, err)
		return
	}

	if _, already := s.joined(auctionID); !already {
		sub := broadcast.NewSubscriber(s.id, s.identity.ID, s.identity.Username, g.cfg.WriteBuffer)
		s.addSub(auctionID, sub)
		g.fabric.Subscribe(auctionID, sub)
		go s.forward(auctionID, sub)
		g.publishPeer(protocol.EvtPeerJoined, auctionID, s.identity)
	}

	s.sendEvent(protocol.MustEvent(protocol.EvtAuctionState, auctionID, state.LastSeq, state))
	s.sendEvent(protocol.MustEvent(protocol.EvtBidHistory, auctionID, snapshot.LastSeq, snapshot))
}

func (g *Gateway) handleLeave(s *Session, auctionID string) {
	sub, ok := s.removeSub(auctionID)
	if !ok {
		return
	}
	g.fabric.Unsubscribe(auctionID, sub)
	g.publishPeer(protocol.EvtPeerLeft, auctionID, s.identity)
}

func (g *Gateway) handlePlaceBid(ctx context.Context, s *Session, cmd *protocol.Command) {
	_, err := g.engine.PlaceBid(ctx, s.identity.ID, cmd.AuctionID, *cmd.Amount)
	if err != nil {
		g.rejectEvent(s, protocol.EvtBidRejected, err)
	}
	// The committed bid reaches the client through the broadcast stream.
}

func (g *Gateway) handleSetProxy(ctx context.Context, s *Session, cmd *protocol.Command) {
	intent, err := g.engine.SetProxy(ctx, s.identity.ID, cmd.AuctionID, *cmd.MaxAmount)
	if err != nil {
		g.rejectEvent(s, protocol.EvtProxyRejected, err)
		return
	}
	s.sendEvent(protocol.MustEvent(protocol.EvtProxySet, cmd.AuctionID, 0, protocol.ProxySet{
		AuctionID: cmd.AuctionID,
		MaxAmount: intent.MaxAmount,
	}))
}

func (g *Gateway) handleCancelProxy(ctx context.Context, s *Session, auctionID string) {
	if err := g.engine.CancelProxy(ctx, s.identity.ID, auctionID); err != nil {
		g.rejectEvent(s, protocol.EvtProxyRejected, err)
	}
}

// rejectEvent maps an engine error onto the wire: typed rejections keep
// their code; anything else surfaces as storage_failure.
func (g *Gateway) rejectEvent(s *Session, eventType string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	payload := protocol.Rejected{Reason: protocol.ReasonStorageFailure}
	if r, ok := engine.AsRejection(err); ok {
		payload.Reason = r.Code
		payload.MinimumBid = r.MinimumBid
	}

	if eventType == protocol.EvtError {
		s.sendEvent(protocol.MustEvent(protocol.EvtError, "", 0, protocol.ErrorMessage{
			Message: payload.Reason,
		}))
		return
	}
	s.sendEvent(protocol.MustEvent(eventType, "", 0, payload))
}

// publishPeer announces presence changes on an auction's stream. Peer
// events carry no sequence number; only lane-committed events do.
func (g *Gateway) publishPeer(eventType, auctionID string, identity auth.Identity) {
	g.fabric.Publish(protocol.MustEvent(eventType, auctionID, 0, protocol.Peer{
		UserID:   identity.ID,
		Username: identity.Username,
	}))
}

func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeReason(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"reason": reason})
}
