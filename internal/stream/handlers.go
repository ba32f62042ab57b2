package stream

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes mounts the subscriber endpoint at /ws. Sessions inherit ctx,
// so cancelling it tears down every in-flight catch-up.
func RegisterRoutes(ctx context.Context, r fiber.Router, hub *Hub, middleware ...fiber.Handler) {
	handlers := append([]fiber.Handler{}, middleware...)
	handlers = append(handlers, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	handlers = append(handlers, websocket.New(func(c *websocket.Conn) {
		hub.Serve(ctx, c)
	}))
	r.Get("/ws", handlers...)
}
