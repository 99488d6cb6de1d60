package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"freelance-chat/internal/platform/config"
)

// LoadServerTLSConfig 載入 HTTP 服務器的 TLS 設定
func LoadServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert, // 不要求客戶端憑證
		MinVersion:   tls.VersionTLS12,
	}

	// 如果提供了 CA 文件，改為驗證客戶端憑證
	if caFile != "" {
		ca, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}
		tlsConfig.ClientCAs = certPool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsConfig, nil
}

// httpTLSConfig 依配置決定 HTTP 是否使用 TLS；未啟用時回傳 nil
func httpTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if !cfg.Server.UseHTTPS {
		return nil, nil
	}
	return LoadServerTLSConfig(cfg.Server.CertPath, cfg.Server.KeyPath, cfg.Security.TLS.CAFile)
}
