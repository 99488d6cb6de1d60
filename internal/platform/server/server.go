package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"freelance-chat/internal/platform/config"
	"freelance-chat/internal/platform/logger"
)

// HTTPServer HTTP API 與串流服務器
type HTTPServer struct {
	srv    *http.Server
	deps   Deps
	cancel context.CancelFunc
}

// NewHTTPServer 依配置建立 HTTP 服務器
func NewHTTPServer(cfg *config.Config, deps Deps) (*HTTPServer, error) {
	tlsConfig, err := httpTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	// 所有請求的 context 都衍生自 baseCtx，關閉時取消以結束長連線
	baseCtx, cancel := context.WithCancel(context.Background())

	return &HTTPServer{
		srv: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           Router(deps),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       time.Duration(cfg.Server.Timeout) * time.Second,
			WriteTimeout:      0, // SSE 需要長連接，設為 0 表示不超時
			IdleTimeout:       120 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		},
		deps:   deps,
		cancel: cancel,
	}, nil
}

// Run 開始監聽；Shutdown 後回傳 nil
func (s *HTTPServer) Run() error {
	logger.LogInfof("HTTP 伺服器正在監聽: %s (TLS: %v)", s.srv.Addr, s.srv.TLSConfig != nil)

	var err error
	if s.srv.TLSConfig != nil {
		err = s.srv.ListenAndServeTLS("", "")
	} else {
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler 回傳路由，供測試使用
func (s *HTTPServer) Handler() http.Handler {
	return s.srv.Handler
}

// Shutdown 優雅關閉；取消所有請求 context 讓串流結束，再等待連線關閉
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.srv.Shutdown(ctx)
	if s.deps.Limits != nil {
		s.deps.Limits.Stop()
	}
	if s.deps.Streams != nil {
		s.deps.Streams.Stop()
	}
	return err
}
