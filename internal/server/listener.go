package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// Listen 打开 TCP 监听；tlsConfig 非 nil 时包装为 TLS 监听。
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

// Serve 在 ln 上运行 app，ctx 取消后停止接受新连接，并最多等待 grace 让进行中的请求完成。
func Serve(ctx context.Context, app *fiber.App, ln net.Listener, grace time.Duration, logger *logrus.Logger) error {
	fields := logrus.Fields{
		"action": "listen",
		"addr":   ln.Addr().String(),
	}
	logger.WithFields(fields).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve %s: %w", ln.Addr(), err)
		}
		return nil
	case <-ctx.Done():
	}

	fields["action"] = "shutdown"
	fields["grace"] = grace.String()
	logger.WithFields(fields).Info("停止接受新连接，等待进行中的请求")

	shutdownErr := app.ShutdownWithTimeout(grace)
	if shutdownErr != nil && !errors.Is(shutdownErr, context.DeadlineExceeded) && !errors.Is(shutdownErr, fiber.ErrNotRunning) {
		logger.WithError(shutdownErr).WithFields(fields).Warn("graceful shutdown incomplete")
	}
	ln.Close()
	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		logger.WithError(err).WithFields(fields).Debug("listener returned after shutdown")
	}
	return nil
}
