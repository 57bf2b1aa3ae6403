package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-relay-go/infrastructure/logger"
)

// DefaultPath 下游 WebSocket 路径。
const DefaultPath = "/ws"

// ServerConfig 下游 WebSocket 服务参数。
type ServerConfig struct {
	Path           string
	ReadLimit      int64
	WriteTimeout   time.Duration
	AllowedOrigins []string // 为空时接受任意 Origin
}

// Server 把 HTTP 请求升级为 WebSocket 并接入 Relay。
type Server struct {
	relay    *Relay
	cfg      ServerConfig
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewServer(r *Relay, cfg ServerConfig, log *logger.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4096
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{relay: r, cfg: cfg, log: log.Named("relay_server")}
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			return origins[req.Header.Get("Origin")]
		},
	}
	return s
}

// Handler 返回挂载在 cfg.Path 上的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("remote", req.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	c := s.relay.Register(&wsConn{Conn: ws, writeTimeout: s.cfg.WriteTimeout})
	defer s.relay.OnConnectionClosed(c)

	// 协议层 pong 同样视为存活
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("client read failed", zap.String("client", c.ID), zap.Error(err))
			}
			return
		}
		s.relay.HandleMessage(c, raw)
	}
}

// wsConn 为每次写设置超时。
type wsConn struct {
	*websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) WriteJSON(v interface{}) error {
	_ = w.Conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.Conn.WriteJSON(v)
}
