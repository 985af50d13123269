package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chat_sync/internal/auth"
	"chat_sync/internal/channel"
	"chat_sync/internal/config"
	"chat_sync/internal/controller"
	"chat_sync/internal/conversation"
	"chat_sync/internal/history"
	"chat_sync/internal/service/app"
	redisSvc "chat_sync/internal/service/redis"
	"chat_sync/internal/session"
	"chat_sync/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type env struct {
	cfg     *config.Client
	http    *http.Client
	session *session.Session
	close   func()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	e := &env{close: func() {}}

	root := &cobra.Command{
		Use:          "client",
		Short:        "Terminal client for the chat relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			// stdout belongs to the terminal UI
			if err := log.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return e.open(cmd.Context(), cfg)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			e.close()
			_ = log.Sync()
		},
	}

	root.AddCommand(
		newChatCmd(e),
		newSignupCmd(e),
		newLoginCmd(e),
		newLogoutCmd(e),
	)
	return root
}

func (e *env) open(ctx context.Context, cfg *config.Client) error {
	e.cfg = cfg
	e.http = &http.Client{Timeout: cfg.RequestTimeout}

	var storage session.Storage
	if cfg.Authenticated {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		redis := redisSvc.NewRedis(rdb)
		if err := redis.Ping(ctx); err != nil {
			_ = redis.Close()
			return fmt.Errorf("connect redis: %w", err)
		}
		storage = redisSvc.NewTokenStorage(redis, cfg.Profile, 0)
		e.close = func() { _ = redis.Close() }
	} else {
		storage = session.NewMemoryStorage()
	}

	e.session = session.New(storage)
	if cfg.Authenticated {
		if err := e.session.Restore(ctx); err != nil {
			log.Warn("restore session failed", zap.Error(err))
		}
	}
	return nil
}

func newChatCmd(e *env) *cobra.Command {
	var with, as string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the chat window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if e.cfg.Authenticated {
				if _, ok := e.session.Current(); !ok {
					return errors.New("not logged in, run the login command first")
				}
				as = ""
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store := conversation.NewStore()
			ui := app.NewApp(e.session, store, !e.cfg.Authenticated)

			var ctrl *controller.Controller
			manager := channel.NewManager(
				channel.NewWebsocketDialer(e.cfg.ChannelURL),
				channel.WithOnLost(func(err error) { ctrl.ChannelLost(err) }),
			)
			defer func() { _ = manager.Close() }()

			ctrl = controller.New(
				e.session,
				manager,
				history.NewLoader(e.cfg.ServerURL, e.http),
				store,
				controller.WithNotifier(ui.Notify),
				controller.WithLoadTimeout(e.cfg.RequestTimeout),
				controller.WithDialTimeout(e.cfg.RequestTimeout),
			)
			defer ctrl.Close()

			return ui.Run(ctx, ctrl, as, with)
		},
	}
	cmd.Flags().StringVar(&with, "with", "", "counterparty to open")
	cmd.Flags().StringVar(&as, "as", "", "display name when the relay runs without auth")
	return cmd
}

func newSignupCmd(e *env) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := auth.NewClient(e.cfg.ServerURL, e.http)
			if err := client.Signup(cmd.Context(), email, password); err != nil {
				return err
			}
			cmd.Println("Account created, you can log in now.")
			return nil
		},
	}
	credentialFlags(cmd, &email, &password)
	return cmd
}

func newLoginCmd(e *env) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and keep the token for later sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := auth.NewClient(e.cfg.ServerURL, e.http)
			raw, err := client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			if err := e.session.Issue(cmd.Context(), raw); err != nil {
				return err
			}
			cmd.Printf("Logged in as %s.\n", email)
			return nil
		},
	}
	credentialFlags(cmd, &email, &password)
	return cmd
}

func newLogoutCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := e.session.Clear(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Logged out.")
			return nil
		},
	}
}

func credentialFlags(cmd *cobra.Command, email, password *string) {
	cmd.Flags().StringVar(email, "email", "", "account email")
	cmd.Flags().StringVar(password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
}
