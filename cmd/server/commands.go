package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tanvirwebtech/hype-chat-server/internal/auth"
	"github.com/tanvirwebtech/hype-chat-server/internal/logging"
	"github.com/tanvirwebtech/hype-chat-server/internal/server"
	"github.com/tanvirwebtech/hype-chat-server/internal/store"
)

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "hype-chat",
		Short:         "Websocket presence and direct message relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}
	root.RunE = serve.RunE
	root.AddCommand(serve, newTokenCmd(&envFile))
	return root
}

func newTokenCmd(envFile *string) *cobra.Command {
	var (
		userID   string
		username string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a session token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(*envFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			token, err := auth.NewIssuer([]byte(cfg.JWTSecret)).
				Issue(auth.Identity{UserID: userID, Username: username}, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id to embed in the token")
	cmd.Flags().StringVar(&username, "username", "", "username to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServe(parent context.Context, envFile string) error {
	cfg, err := server.LoadConfig(envFile)
	if err != nil {
		return err
	}
	log := logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	if err := cfg.Validate(); err != nil {
		return err
	}

	messages, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := messages.Close(); err != nil {
			log.Error().Err(err).Msg("error closing message store")
		}
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(*cfg, messages, log)
	httpSrv := server.CreateServer(cfg.Port, srv.Routes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(httpSrv)
	})
	g.Go(func() error {
		<-gctx.Done()
		if errors.Is(ctx.Err(), context.Canceled) {
			log.Info().Msg("received shutdown signal")
		}
		return srv.Shutdown(httpSrv, cfg.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func openStore(cfg *server.Config, log zerolog.Logger) (store.MessageStore, error) {
	switch cfg.StoreDriver {
	case server.StoreMemory:
		log.Warn().Msg("using in-memory message store; history is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		s, err := store.OpenBadgerStore(cfg.BadgerPath, log.With().Str("component", "store").Logger())
		if err != nil {
			return nil, fmt.Errorf("open message store at %s: %w", cfg.BadgerPath, err)
		}
		log.Info().Str("path", cfg.BadgerPath).Msg("message store opened")
		return s, nil
	}
}
