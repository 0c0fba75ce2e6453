package main

import (
	"context"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/pelusa-v/charat-server/internal/chat"
	"github.com/pelusa-v/charat-server/internal/config"
	"github.com/pelusa-v/charat-server/internal/handlers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis at %s: %v", cfg.RedisAddr, err)
	}

	core := chat.NewCore(rdb, chat.Options{
		SessionTTL:     cfg.SessionTTL,
		PingTimeout:    cfg.PingTimeout,
		RetentionLimit: cfg.RetentionLimit,
		NotifySilenced: cfg.NotifySilenced,
	})
	h := handlers.New(core, cfg.PollTimeout)

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(h.Session)

	app.Post("/post", h.Post)
	app.Post("/ping", h.Ping)
	app.Post("/messages", h.Messages)
	app.Post("/quit", h.Quit)
	app.Post("/save", h.Save)

	log.Fatal(app.Listen(cfg.ListenAddr))
}
