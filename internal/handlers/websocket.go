package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/config"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/signaling"
	"github.com/mossy-p/roomserver/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

type SignalParams struct {
	Dispatcher *signaling.Dispatcher
	Supervisor *signaling.Supervisor
	Config     config.SignalConfig
	Logger     *zap.SugaredLogger
}

// SignalHandler upgrades GET /ws to a signaling connection.
type SignalHandler struct {
	dispatcher *signaling.Dispatcher
	supervisor *signaling.Supervisor
	cfg        config.SignalConfig
	logger     *zap.SugaredLogger
}

func NewSignalHandler(params SignalParams) *SignalHandler {
	cfg := params.Config
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop().Sugar()
	}
	return &SignalHandler{
		dispatcher: params.Dispatcher,
		supervisor: params.Supervisor,
		cfg:        cfg,
		logger:     params.Logger,
	}
}

// HandleSignaling handles WebSocket connections for the signaling protocol
func (h *SignalHandler) HandleSignaling(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("failed to upgrade connection", "remote", c.ClientIP(), "error", err)
		return
	}

	client := &Client{
		id:         uuid.New().String(),
		conn:       conn,
		send:       make(chan []byte, h.cfg.SendBufferSize),
		cfg:        h.cfg,
		dispatcher: h.dispatcher,
		supervisor: h.supervisor,
		logger:     h.logger,
	}
	client.ops = utils.NewOpsQueue(h.logger, "conn-"+client.id, h.cfg.QueueSize)
	client.logger.Debugw("connection opened", "connID", client.id, "remote", c.ClientIP())

	h.supervisor.Attach(client)
	client.ops.Start()
	go client.writePump()
	go client.readPump()
}

// Client is one websocket. Inbound frames run through ops one at a time; outbound
// envelopes go through send, which only writePump drains.
type Client struct {
	id         string
	conn       *websocket.Conn
	cfg        config.SignalConfig
	dispatcher *signaling.Dispatcher
	supervisor *signaling.Supervisor
	ops        *utils.OpsQueue
	logger     *zap.SugaredLogger

	lock   sync.Mutex
	send   chan []byte
	closed bool
}

func (c *Client) ID() string { return c.id }

// Send queues env for writing. A client whose buffer is full is disconnected.
func (c *Client) Send(env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return models.NewError(models.CodeClosed, "connection %s is closed", c.id)
	}
	select {
	case c.send <- data:
		c.lock.Unlock()
		return nil
	default:
	}
	c.lock.Unlock()

	c.logger.Warnw("send buffer full, closing connection", "connID", c.id, "type", env.Type)
	c.Close()
	return models.NewError(models.CodeClosed, "connection %s send buffer full", c.id)
}

// Close stops accepting messages; writePump flushes what is queued and closes the socket.
func (c *Client) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump() {
	defer func() {
		// let queued requests finish before the peer is torn down
		c.ops.Stop()
		<-c.ops.Done()
		c.supervisor.Detach(c)
		c.Close()
		c.logger.Debugw("connection closed", "connID", c.id)
	}()

	if c.cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(c.cfg.ReadLimit)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Infow("websocket error", "connID", c.id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if !c.ops.Enqueue(func() {
			c.dispatcher.HandleMessage(context.Background(), c, message)
		}) {
			c.logger.Warnw("request queue full, closing connection", "connID", c.id)
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debugw("failed to write message", "connID", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
