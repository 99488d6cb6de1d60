package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"freelance-chat/internal/chat"
	chatgrpc "freelance-chat/internal/grpc"
	"freelance-chat/internal/platform/config"
	"freelance-chat/internal/platform/logger"
	"freelance-chat/internal/platform/middleware"
	"freelance-chat/internal/platform/server"
	"freelance-chat/internal/security/audit"
	"freelance-chat/internal/security/token"
	"freelance-chat/internal/storage/database"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	// 載入配置；日誌輪轉設定來自配置，所以先於日誌初始化.
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Get()

	// 初始化日誌.
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	ctx := context.Background()

	if !config.IsDebug() {
		gin.SetMode(gin.ReleaseMode)
	}

	// 連接事件存儲.
	repos, err := database.NewRepositories(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "事件存儲初始化失敗", logger.WithError(err))
		return fmt.Errorf("database initialization failed")
	}
	defer repos.Close()

	auditService := audit.NewAuditService(cfg.Security.Audit.Enabled, cfg.Security.Audit.Level)

	svc := chat.NewService(repos.Events, chat.ContextIdentity{},
		chat.WithSafetyTimeout(cfg.Limits.Subscription.SafetyTimeout()),
		chat.WithMaxTextLength(cfg.Limits.Message.MaxLength),
		chat.WithAuditor(auditService),
	)

	// 認證：JWT 停用時只接受開發用的 X-User-ID
	authCfg := cfg.Security.Authentication
	var parser middleware.TokenParser
	if authCfg.JWTEnabled {
		parser = token.NewManager(authCfg.JWTSecret, authCfg.TokenTTL())
	} else {
		logger.Warning(ctx, "[WARNING] JWT 認證已停用，身份取自 X-User-ID（僅限本地開發）")
	}
	auth := middleware.NewJWTMiddleware(parser, authCfg.JWTEnabled)
	limits := server.NewRateLimiter(cfg)
	streams := server.NewStreamLimiter(cfg)

	httpServer, err := server.NewHTTPServer(cfg, server.Deps{
		Service: svc,
		Auth:    auth,
		Audit:   auditService,
		Streams: streams,
		Limits:  limits,
	})
	if err != nil {
		logger.Error(ctx, "HTTP 服務器創建失敗", logger.WithError(err))
		return fmt.Errorf("server initialization failed")
	}

	grpcServer, err := chatgrpc.NewServer(svc, chatgrpc.Options{
		TLS:     cfg.Security.TLS,
		Auth:    auth,
		Streams: streams,
	})
	if err != nil {
		logger.Error(ctx, "gRPC 服務器創建失敗", logger.WithError(err))
		return fmt.Errorf("server initialization failed")
	}

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Start(cfg.GRPC.Port); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Run(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	logger.Info(ctx, "[System] 服務器啟動完成", logger.WithDetails(map[string]interface{}{
		"http":   config.GetServerAddr(),
		"grpc":   config.GetGRPCAddr(),
		"driver": cfg.Database.Driver,
		"env":    config.GetEnv(),
	}))

	// 等待中斷信號或服務器錯誤
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
	case runErr = <-errCh:
		logger.Error(ctx, "服務器異常停止", logger.WithError(runErr))
	}

	logger.Info(ctx, "正在關閉服務器...", logger.WithAction("shutdown"))

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP 服務器關閉失敗", logger.WithError(err))
	}
	grpcServer.Stop()

	return runErr
}
