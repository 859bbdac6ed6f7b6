// Package mockbackend is a small stand-in for the Echo API. It serves the HTTP
// endpoints the transports are exercised against and a websocket endpoint
// that speaks the ping/pong envelope.
package mockbackend

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// ErrorCode is what the /v1/error endpoint reports.
	ErrorCode     = "incorrect_appkey"
	wsWriteWait   = 5 * time.Second
	receivedDepth = 256
)

type Config struct {
	// Addr to listen on. Empty picks a free loopback port.
	Addr   string
	Logger zerolog.Logger
}

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteJSON(v)
}

type Server struct {
	server   *httptest.Server
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	done     chan struct{}
	once     sync.Once

	// URL is the base URL, e.g. "http://127.0.0.1:40111".
	URL string
	// Host is URL without the scheme.
	Host string
	// Received gets every non-ping websocket message.
	Received chan map[string]any

	mu       sync.Mutex
	peers    map[*peer]struct{}
	posts    []url.Values
	accepted atomic.Int32
	silent   atomic.Bool
}

func New(cfg Config) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger: cfg.Logger.With().Str("component", "mockbackend").Logger(),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"liveupdate.ws.echoenabled.com"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		done:     make(chan struct{}),
		Received: make(chan map[string]any, receivedDepth),
		peers:    make(map[*peer]struct{}),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	v1 := engine.Group("/v1")
	{
		v1.Any("/search", s.handleEcho)
		v1.Any("/echo", s.handleEcho)
		v1.Any("/error", s.handleError)
		v1.Any("/fail", s.handleFail)
		v1.Any("/slow", s.handleSlow)
		v1.Any("/badjson", s.handleBadJSON)
		v1.Any("/text", s.handleText)
		v1.Any("/xml", s.handleXML)
		v1.Any("/badxml", s.handleBadXML)
		v1.POST("/submit", s.handleSubmit)
		v1.GET("/ws", s.handleWebsocket)
	}

	server := httptest.NewUnstartedServer(engine)
	if cfg.Addr != "" {
		l, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
		}
		server.Listener.Close()
		server.Listener = l
	}
	server.Start()

	s.server = server
	s.URL = server.URL
	s.Host = strings.TrimPrefix(server.URL, "http://")
	return s, nil
}

// Close drops every websocket connection and stops the server.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.done)
		s.DropConnections()
		s.server.Close()
	})
}

// SilencePings makes the websocket endpoint stop answering pings.
func (s *Server) SilencePings(silent bool) {
	s.silent.Store(silent)
}

// Connections is the number of open websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.peers)
}

// Accepted is the number of websocket connections accepted so far.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Posts returns the forms posted to /v1/submit.
func (s *Server) Posts() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]url.Values(nil), s.posts...)
}

// Broadcast writes msg to every open websocket connection.
func (s *Server) Broadcast(msg map[string]any) {
	for _, p := range s.snapshot() {
		if err := p.writeJSON(msg); err != nil {
			s.logger.Debug().Err(err).Msg("broadcast failed")
		}
	}
}

// DropConnections closes every websocket connection without a close frame.
func (s *Server) DropConnections() {
	for _, p := range s.snapshot() {
		p.conn.Close()
	}
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("query", c.Request.URL.RawQuery).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// params collects query parameters and, for bodies, form fields. A text/plain
// body is read as a query string.
func params(c *gin.Context) url.Values {
	values := url.Values{}
	for k, vs := range c.Request.URL.Query() {
		values[k] = vs
	}
	if c.Request.Body == nil || c.Request.Method == http.MethodGet {
		return values
	}
	if strings.HasPrefix(c.ContentType(), "text/plain") {
		body, _ := io.ReadAll(c.Request.Body)
		parsed, _ := url.ParseQuery(string(body))
		for k, vs := range parsed {
			values[k] = vs
		}
		return values
	}
	if err := c.Request.ParseForm(); err == nil {
		for k, vs := range c.Request.PostForm {
			values[k] = vs
		}
	}
	return values
}

func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

// respond writes body as JSON, or as a JSONP call when a callback was asked for.
func respond(c *gin.Context, status int, body any) {
	if callback := c.Query("callback"); callback != "" {
		b, _ := json.Marshal(body)
		c.Data(status, "application/javascript", []byte(fmt.Sprintf("%s(%s);", callback, b)))
		return
	}
	c.JSON(status, body)
}

func (s *Server) handleEcho(c *gin.Context) {
	p := params(c)
	delete(p, "callback")
	respond(c, http.StatusOK, gin.H{
		"result":      "success",
		"method":      c.Request.Method,
		"contentType": c.ContentType(),
		"header":      c.GetHeader("X-Echo-Test"),
		"params":      flatten(p),
	})
}

func (s *Server) handleError(c *gin.Context) {
	respond(c, http.StatusBadRequest, gin.H{
		"result":       "error",
		"errorCode":    ErrorCode,
		"errorMessage": "the application key is not valid",
	})
}

func (s *Server) handleFail(c *gin.Context) {
	c.String(http.StatusInternalServerError, "internal error")
}

func (s *Server) handleSlow(c *gin.Context) {
	delay := 2 * time.Second
	if d, err := time.ParseDuration(c.Query("delay")); err == nil {
		delay = d
	}
	select {
	case <-time.After(delay):
		respond(c, http.StatusOK, gin.H{"result": "success", "slept": delay.String()})
	case <-c.Request.Context().Done():
	case <-s.done:
	}
}

func (s *Server) handleBadJSON(c *gin.Context) {
	c.Data(http.StatusOK, "application/json", []byte(`{"result": "succ`))
}

func (s *Server) handleText(c *gin.Context) {
	c.String(http.StatusOK, "hello from echo")
}

func (s *Server) handleXML(c *gin.Context) {
	c.Data(http.StatusOK, "application/xml", []byte(`<?xml version="1.0"?><result status="success"><item>1</item></result>`))
}

func (s *Server) handleBadXML(c *gin.Context) {
	c.Data(http.StatusOK, "application/xml", []byte(`<result><item>1</result>`))
}

func (s *Server) handleSubmit(c *gin.Context) {
	p := params(c)
	s.mu.Lock()
	s.posts = append(s.posts, p)
	s.mu.Unlock()
	c.Data(http.StatusOK, "text/html", []byte("<html><body>ok</body></html>"))
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade websocket")
		return
	}
	p := &peer{conn: conn}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	s.accepted.Add(1)

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("websocket closed")
			}
			return
		}

		if msg["event"] == "ping" {
			if s.silent.Load() {
				continue
			}
			pong := map[string]any{"event": "pong"}
			if sub, ok := msg["subscription"]; ok {
				pong["subscription"] = sub
			}
			if err := p.writeJSON(pong); err != nil {
				return
			}
			continue
		}

		select {
		case s.Received <- msg:
		default:
		}

		reply := map[string]any{"event": "reply", "data": msg["data"]}
		if sub, ok := msg["subscription"]; ok {
			reply["subscription"] = sub
		}
		if err := p.writeJSON(reply); err != nil {
			return
		}
	}
}
