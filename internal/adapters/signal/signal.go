// Package signal is the websocket transport for the relay: one
// controller upgrades connections, runs the pumps and feeds raw frames
// into the relay.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wz1310/voice-cordova/internal/app"
	"github.com/wz1310/voice-cordova/internal/config"
	"github.com/wz1310/voice-cordova/internal/domain"
)

type SignalWSController struct {
	Relay *app.Relay
	Cfg   *config.Config
}

func NewSignalWSController(relay *app.Relay, cfg *config.Config) *SignalWSController {
	return &SignalWSController{Relay: relay, Cfg: cfg}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan app.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f app.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return app.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades one HTTP request into a signaling connection.
// Each websocket gets a fresh connection id; identity is bound later by
// the identify frame, so a refresh produces a new id for the same user.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	connID := domain.ConnID(uuid.NewString())
	log.Info().Str("module", "signal").Str("conn", string(connID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan app.Frame, 32),
	}

	ctl.Relay.Attach(connID, conn)
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, connID, conn)
	}()
}
