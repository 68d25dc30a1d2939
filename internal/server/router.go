package server

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	// Handler 处理所有路径；为 nil 时不注册兜底路由（诊断应用）。
	Handler fiber.Handler
	// ServerHeader 写入每个响应的 Server 头。
	ServerHeader string
}

const (
	contextKeyRequestID = "_mdcloud_request_id"
	contextKeyStartedAt = "_mdcloud_started_at"
)

// NewApp builds a Fiber application with request id, response timing and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ServerHeader:  opts.ServerHeader,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	if opts.Handler != nil {
		app.All("/*", opts.Handler)
	}
	return app, nil
}

// requestContextMiddleware 生成请求 ID，并在响应上写入 X-Response-Time。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Locals(contextKeyStartedAt, start)
		c.Set("X-Request-ID", reqID)

		err := c.Next()
		c.Set("X-Response-Time", strconv.FormatInt(time.Since(start).Milliseconds(), 10)+"ms")
		return err
	}
}

// errorHandler 将 *fiber.Error 映射为对应状态码与消息，其余错误统一返回 500 与错误文本。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := err.Error()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		}
		if code >= fiber.StatusInternalServerError {
			logger.WithError(err).WithFields(logrus.Fields{
				"action":     "request_failed",
				"request_id": RequestID(c),
				"path":       c.Path(),
				"status":     code,
			}).Error("request failed")
		}
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Status(code).SendString(message)
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// Elapsed 返回请求进入中间件以来的耗时。
func Elapsed(c fiber.Ctx) time.Duration {
	if value := c.Locals(contextKeyStartedAt); value != nil {
		if start, ok := value.(time.Time); ok {
			return time.Since(start)
		}
	}
	return 0
}
