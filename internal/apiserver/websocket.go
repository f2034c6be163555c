package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Uttam-Singhh/TikShot/internal/indexer"
)

const (
	channelRoundCurrent = "round.current"
	channelRoundSettled = "round.settled"
	channelMarketPrice  = "market.price"

	wsReadLimit  = 64 << 10
	wsPongWait   = 90 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
	wsInboxSize  = 16
)

// wsCommand is a client request such as
// {"type":"subscribe","channel":"round.current"}.
type wsCommand struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// wsFrame is every server message. Type is one of event, subscribed,
// unsubscribed, pong or error.
type wsFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

func validChannel(channel string) bool {
	switch {
	case channel == channelRoundCurrent, channel == channelRoundSettled, channel == channelMarketPrice:
		return true
	case strings.HasPrefix(channel, channelMarketPrice+"."):
		return indexer.NormalizeMarketSymbol(strings.TrimPrefix(channel, channelMarketPrice+".")) != ""
	default:
		return false
	}
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(req *http.Request) bool {
			return s.cors.allows(strings.TrimSpace(req.Header.Get("Origin")))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	session := &wsSession{
		svc:   s,
		conn:  conn,
		subs:  map[string]struct{}{},
		inbox: make(chan wsCommand, wsInboxSize),
	}
	session.serve(r.Context())
}

// wsSession is one client connection. Only serve writes to conn and touches
// subs; the read loop hands commands over through inbox.
type wsSession struct {
	svc   *Service
	conn  *websocket.Conn
	subs  map[string]struct{}
	inbox chan wsCommand
}

// serve pushes polled channels every PushInterval and relays round.settled
// as the crank publishes it.
func (c *wsSession) serve(parent context.Context) {
	defer c.conn.Close()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	settled, unsubscribe := c.svc.settled.Subscribe()
	defer unsubscribe()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx) }()

	push := time.NewTicker(c.svc.cfg.PushInterval)
	defer push.Stop()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case cause := <-readErr:
			c.svc.logger.Debug("websocket closed", "err", cause)
			return
		case cmd := <-c.inbox:
			err = c.apply(ctx, cmd)
		case round := <-settled:
			if _, ok := c.subs[channelRoundSettled]; ok {
				err = c.write(wsFrame{Type: "event", Channel: channelRoundSettled, Data: round})
			}
		case <-push.C:
			err = c.pushAll(ctx)
		case <-ping.C:
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		}
		if err != nil {
			c.svc.logger.Debug("websocket write failed", "err", err)
			return
		}
	}
}

func (c *wsSession) readLoop(ctx context.Context) error {
	c.conn.SetReadLimit(wsReadLimit)
	if err := c.conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var cmd wsCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			return err
		}
		select {
		case c.inbox <- cmd:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *wsSession) apply(ctx context.Context, cmd wsCommand) error {
	channel := strings.TrimSpace(cmd.Channel)
	switch strings.ToLower(strings.TrimSpace(cmd.Type)) {
	case "subscribe":
		if !validChannel(channel) {
			return c.write(wsFrame{Type: "error", Channel: channel, Error: "unknown channel"})
		}
		c.subs[channel] = struct{}{}
		if err := c.write(wsFrame{Type: "subscribed", Channel: channel}); err != nil {
			return err
		}
		if channel == channelRoundSettled {
			return nil
		}
		return c.push(ctx, channel)
	case "unsubscribe":
		delete(c.subs, channel)
		return c.write(wsFrame{Type: "unsubscribed", Channel: channel})
	case "ping":
		return c.write(wsFrame{Type: "pong"})
	default:
		return c.write(wsFrame{Type: "error", Error: fmt.Sprintf("unsupported message type %q", cmd.Type)})
	}
}

func (c *wsSession) pushAll(ctx context.Context) error {
	for channel := range c.subs {
		if channel == channelRoundSettled {
			continue
		}
		if err := c.push(ctx, channel); err != nil {
			return err
		}
	}
	return nil
}

// push sends the channel's current snapshot. Channels with nothing recorded
// yet stay quiet; lookup failures are reported to the client without ending
// the session.
func (c *wsSession) push(ctx context.Context, channel string) error {
	data, err := c.svc.channelSnapshot(ctx, channel)
	switch {
	case errors.Is(err, indexer.ErrNotFound):
		return nil
	case err != nil:
		c.svc.logger.Warn("websocket snapshot failed", "channel", channel, "err", err)
		return c.write(wsFrame{Type: "error", Channel: channel, Error: "failed to fetch channel data"})
	}
	return c.write(wsFrame{Type: "event", Channel: channel, Data: data})
}

func (c *wsSession) write(frame wsFrame) error {
	frame.TS = time.Now().Unix()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

func (s *Service) channelSnapshot(ctx context.Context, channel string) (any, error) {
	if channel == channelRoundCurrent {
		round, err := s.currentRound(ctx)
		return round, err
	}
	market := strings.TrimPrefix(strings.TrimPrefix(channel, channelMarketPrice), ".")
	price, err := s.latestPrice(ctx, market)
	return price, err
}

// settledHub fans settled rounds out to connected clients. A client that
// falls behind misses events rather than blocking the others.
type settledHub struct {
	mu      sync.Mutex
	clients map[chan indexer.RoundRecord]struct{}
}

func newSettledHub() *settledHub {
	return &settledHub{clients: map[chan indexer.RoundRecord]struct{}{}}
}

func (h *settledHub) Subscribe() (<-chan indexer.RoundRecord, func()) {
	ch := make(chan indexer.RoundRecord, 8)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}

func (h *settledHub) Broadcast(round indexer.RoundRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- round:
		default:
		}
	}
}

func (h *settledHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
