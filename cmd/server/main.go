package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat_sync/internal/config"
	"chat_sync/internal/repository/memory"
	"chat_sync/internal/repository/message"
	"chat_sync/internal/repository/user"
	redisSvc "chat_sync/internal/service/redis"
	"chat_sync/internal/service/server"
	"chat_sync/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Run the chat relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if err := log.Init(cfg.LogLevel); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides CHAT_ADDR")
	return cmd
}

func run(ctx context.Context, cfg *config.Server) error {
	var (
		users    server.UserStore
		messages server.MessageStore
	)
	if cfg.MongoURI != "" {
		mongoDBClient, err := initMongo(ctx, cfg.MongoURI)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() { _ = mongoDBClient.Disconnect(context.Background()) }()

		db := mongoDBClient.Database(cfg.MongoDB)
		userRepo := user.NewUserRepo(db)
		messageRepo := message.NewMessageRepo(db)
		if err := userRepo.EnsureIndexes(ctx); err != nil {
			return err
		}
		if err := messageRepo.EnsureIndexes(ctx); err != nil {
			return err
		}
		users, messages = userRepo, messageRepo
	} else {
		log.Warn("MONGO_URI not set, keeping users and messages in memory")
		users, messages = memory.NewUserRepo(), memory.NewMessageRepo()
	}

	opts := server.Options{
		AuthRequired: cfg.AuthRequired,
		Secret:       []byte(cfg.JWTSecret),
		TokenTTL:     cfg.TokenTTL,
	}

	g, ctx := errgroup.WithContext(ctx)

	var srv *server.HttpServer
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		redis := redisSvc.NewRedis(rdb)
		defer func() { _ = redis.Close() }()
		if err := redis.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		broker := redisSvc.NewBroker(redis)
		srv = server.NewHttpServer(users, messages, broker, opts)
		g.Go(func() error {
			err := broker.Run(ctx, srv.Deliver)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		srv = server.NewHttpServer(users, messages, nil, opts)
	}

	g.Go(func() error {
		err := srv.Run(ctx, cfg.Addr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("relay stopped", zap.Error(err))
		return err
	}
	log.Info("relay stopped")
	return nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
