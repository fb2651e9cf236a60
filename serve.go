package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"keepchat/internal/api"
	"keepchat/internal/auth"
	"keepchat/internal/config"
	"keepchat/internal/redis"
	"keepchat/internal/service/ai"
	"keepchat/internal/service/chat"
	"keepchat/internal/storage"
	"keepchat/internal/worker"
)

func newServeCmd() *cobra.Command {
	var cfgFlag string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath(cfgFlag))
		},
	}
	cmd.Flags().StringVarP(&cfgFlag, "config", "c", "", "path to config file (default $KEEPCHAT_CONFIG or config.json)")
	return cmd
}

func runServe(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbType := os.Getenv("KEEPCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s", dbType)
	if err := cfg.Validate(dbType); err != nil {
		return err
	}

	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()

	replier, err := ai.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init assistant: %w", err)
	}
	workers := worker.NewManager(replier, worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, rdb)
	defer workers.Close()

	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTL)*time.Hour)
	chatService := chat.NewService(db, rdb)
	handlers := api.NewHandler(chatService, authService, workers, time.Duration(cfg.BasicConfig.ReplyTimeout)*time.Second)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	log.Printf("serve: listening on %s", addr)
	if err := router.Run(addr); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}
