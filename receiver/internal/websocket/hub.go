package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Krimson/facereview/receiver/internal/ingest"
	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2 << 20 // кадр в base64
)

// Handler обрабатывает сообщения зрителя
type Handler interface {
	HandleInit(ctx context.Context, m ingest.InitMessage)
	HandleFrame(ctx context.Context, m ingest.FrameMessage) ingest.FrameReply
	HandleEnd(ctx context.Context, m ingest.EndMessage) error
}

// Config - ограничение частоты кадров на соединение
type Config struct {
	FrameRateLimit float64
	FrameRateBurst int
}

// Hub управляет WebSocket соединениями
type Hub struct {
	handler  Handler
	cfg      Config
	validate *validator.Validate

	// Зарегистрированные клиенты
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	log zerolog.Logger
}

// Client - одно соединение зрителя
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	ctx     context.Context
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// В продакшене следует проверять домен
		return true
	},
}

// NewHub создает новый Hub
func NewHub(handler Handler, cfg Config) *Hub {
	if cfg.FrameRateLimit <= 0 {
		cfg.FrameRateLimit = 20
	}
	if cfg.FrameRateBurst <= 0 {
		cfg.FrameRateBurst = 40
	}
	return &Hub{
		handler:    handler,
		cfg:        cfg,
		validate:   validator.New(),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logging.With("websocket"),
	}
}

// Serve - suture.Service: регистрирует и снимает клиентов
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			h.log.Debug().Str("remote", client.conn.RemoteAddr().String()).Msg("client registered")

			// Чтение начинается только после регистрации
			go client.writePump()
			go client.readPump()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WebSocketConnections.Dec()
			}
			h.mu.Unlock()
			h.log.Debug().Str("remote", client.conn.RemoteAddr().String()).Msg("client unregistered")
		}
	}
}

func (h *Hub) String() string { return "websocket-hub" }

// Clients - число открытых соединений
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(h.done)
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		metrics.WebSocketConnections.Dec()
	}
}

// HandleWebSocket обрабатывает WebSocket соединения
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.FrameRateLimit), h.cfg.FrameRateBurst),
		ctx:     context.WithoutCancel(r.Context()),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
	}
}

// readPump читает сообщения по порядку: кадры одного соединения обрабатываются последовательно
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		c.reply(c.handle(raw))
	}
}

// handle разбирает одно сообщение. Паника внутри не рвет соединение.
func (c *Client) handle(raw []byte) (ack ingest.Ack) {
	defer func() {
		if r := recover(); r != nil {
			c.hub.log.Error().Interface("panic", r).Msg("message handler panicked")
			ack = ingest.ErrorAck(ingest.TypeError, "internal error")
		}
	}()

	var env ingest.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ingest.ErrorAck(ingest.TypeError, "invalid json")
	}
	if err := c.hub.validate.Struct(env); err != nil {
		return ingest.ErrorAck(ingest.TypeError, "unknown message type")
	}

	switch env.Type {
	case ingest.TypeInit:
		var m ingest.InitMessage
		if err := c.decode(raw, &m); err != nil {
			return ingest.ErrorAck(ingest.TypeInitAck, err.Error())
		}
		c.hub.handler.HandleInit(c.ctx, m)
		return ingest.Ack{Type: ingest.TypeInitAck, Status: ingest.StatusSuccess}

	case ingest.TypeFrame:
		if !c.limiter.Allow() {
			metrics.FramesRateLimited.Inc()
			return ingest.ErrorAck(ingest.TypeAck, "rate limit exceeded")
		}
		var m ingest.FrameMessage
		if err := c.decode(raw, &m); err != nil {
			return ingest.ErrorAck(ingest.TypeAck, err.Error())
		}
		return c.hub.handler.HandleFrame(c.ctx, m).Ack()

	case ingest.TypeEnd:
		var m ingest.EndMessage
		if err := c.decode(raw, &m); err != nil {
			return ingest.ErrorAck(ingest.TypeEndAck, err.Error())
		}
		if err := c.hub.handler.HandleEnd(c.ctx, m); err != nil {
			return ingest.ErrorAck(ingest.TypeEndAck, err.Error())
		}
		return ingest.Ack{Type: ingest.TypeEndAck, Status: ingest.StatusSuccess, Message: "Watching data is being saved"}
	}
	return ingest.ErrorAck(ingest.TypeError, "unknown message type")
}

func (c *Client) decode(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errInvalidMessage
	}
	if err := c.hub.validate.Struct(v); err != nil {
		return errMissingFields
	}
	return nil
}

func (c *Client) reply(ack ingest.Ack) {
	message, err := json.Marshal(ack)
	if err != nil {
		c.hub.log.Error().Err(err).Msg("failed to marshal ack")
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- message:
	default:
		c.hub.log.Warn().Msg("client send buffer full, ack dropped")
	}
}

// writePump отправляет сообщения клиенту
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Warn().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
