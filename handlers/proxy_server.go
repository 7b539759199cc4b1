//go:build !js

package handlers

import (
	"github.com/gofiber/contrib/fiberzerolog"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/andesco/styleproxy/pkg/styleproxy"
)

// NewApp wires the proxy into a Fiber app with request logging.
func NewApp(p *styleproxy.Proxy, logger zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "styleproxy",
		DisableStartupMessage: true,
	})

	requestLogger := logger.With().Str("component", "http").Logger()
	app.Use(fiberzerolog.New(fiberzerolog.Config{
		Logger: &requestLogger,
	}))
	app.Use(ProxySite(p))
	return app
}
