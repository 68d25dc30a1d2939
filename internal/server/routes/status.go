package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/mdcloud/mdcloud/internal/cache"
	"github.com/mdcloud/mdcloud/internal/logging"
	"github.com/mdcloud/mdcloud/internal/session"
	"github.com/mdcloud/mdcloud/internal/version"
)

// SessionSource 提供会话概况。
type SessionSource interface {
	Snapshot() session.Snapshot
}

// CacheSource 提供缓存概况。
type CacheSource interface {
	Stats() cache.Stats
}

// RegisterStatusRoutes 暴露 /-/status 诊断接口，只应挂在回环地址的诊断应用上。
func RegisterStatusRoutes(app *fiber.App, sessions SessionSource, store CacheSource) {
	if app == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(buildStatus(sessions, store))
	})
}

type statusPayload struct {
	Version    string            `json:"version"`
	Identifier string            `json:"identifier"`
	Build      int               `json:"build"`
	Session    *session.Snapshot `json:"session,omitempty"`
	Cache      *cachePayload     `json:"cache,omitempty"`
}

type cachePayload struct {
	cache.Stats
	EstimatedHuman string `json:"estimated_human"`
	LimitHuman     string `json:"limit_human"`
}

func buildStatus(sessions SessionSource, store CacheSource) statusPayload {
	payload := statusPayload{
		Version:    version.Full(),
		Identifier: version.Identifier(),
		Build:      version.Build,
	}
	if sessions != nil {
		snap := sessions.Snapshot()
		payload.Session = &snap
	}
	if store != nil {
		stats := store.Stats()
		payload.Cache = &cachePayload{
			Stats:          stats,
			EstimatedHuman: logging.Bytes(stats.EstimatedSize),
			LimitHuman:     logging.Bytes(stats.Limit),
		}
	}
	return payload
}
