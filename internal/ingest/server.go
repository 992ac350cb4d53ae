// Package ingest 提供策略进程的信号接入面:每个策略通过 WebSocket
// 连接推送JSON信号,服务端校验后发布到该策略的入口主题。
package ingest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"titan-control-plane/internal/bus"
	"titan-control-plane/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server 接收策略的 WebSocket 连接。路径 /signals?strategy=<name>,
// 未注册的策略名拒绝连接。
type Server struct {
	bus        *bus.Bus
	strategies map[string]bool
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	srv      *http.Server
	listener net.Listener

	mu     sync.Mutex
	closed bool
}

// NewServer 创建信号接入服务。
func NewServer(addr string, b *bus.Bus, strategies []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]bool, len(strategies))
	for _, s := range strategies {
		known[s] = true
	}
	srv := &Server{
		bus:        b,
		strategies: known,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/signals", srv.handleSignals)
	srv.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv
}

// Start 开始监听。返回实际监听地址(端口0时由系统分配)。
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return "", fmt.Errorf("信号接入端口监听失败: %w", err)
	}
	s.listener = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("signal ingest server stopped",
				zap.String("module", "ingest"),
				zap.Error(err))
		}
	}()
	s.logger.Info("signal ingest listening",
		zap.String("module", "ingest"),
		zap.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Close 停止接收新连接并关闭服务。
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.srv.Close()
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	strategy := r.URL.Query().Get("strategy")
	if !s.strategies[strategy] {
		http.Error(w, "unknown strategy", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("module", "ingest"),
			zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Info("strategy connected",
		zap.String("module", "ingest"),
		zap.String("action", "strategy_connect"),
		zap.String("strategy", strategy))

	topic := bus.StrategyTopic(strategy)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Info("strategy disconnected",
					zap.String("module", "ingest"),
					zap.String("strategy", strategy),
					zap.Error(err))
			}
			return
		}

		var sig models.Signal
		if err := json.Unmarshal(payload, &sig); err != nil {
			s.logger.Warn("malformed signal dropped",
				zap.String("module", "ingest"),
				zap.String("strategy", strategy),
				zap.Error(err))
			continue
		}
		if sig.Strategy == "" {
			sig.Strategy = strategy
		}
		if sig.GeneratedAt.IsZero() {
			sig.GeneratedAt = time.Now()
		}
		s.bus.Publish(topic, sig)
	}
}
