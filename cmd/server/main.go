package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/msgcrypt"
	"github.com/Tyrowin/chatrelay/internal/persistence"
	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/server"
)

const exitConfigError = 2

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New(os.Stdout, level, cfg.LogFormat)
	if err != nil {
		logger.Warn("falling back to INFO", "error", err)
	}

	codec := msgcrypt.New(cfg.EncryptionKey)
	if err := codec.Validate(); err != nil {
		logger.Error("invalid encryption key", "error", err)
		os.Exit(exitConfigError)
	}

	store := persistence.NewClient(cfg.PersistenceURL, cfg.PersistenceTimeout, logger)

	var opts []relay.Option
	closeMirror := func() error { return nil }
	if cfg.RedisURL != "" {
		rdb, err := presence.DialRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.Error("presence mirror unavailable", "error", err)
			os.Exit(1)
		}
		opts = append(opts, relay.WithMirror(presence.NewRedisMirror(rdb, cfg.PresenceTTL)))
		closeMirror = rdb.Close
	}

	srv := server.New(cfg, store, codec, logger, opts...)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				// connections close first so their disconnects still reach the mirror
				return errors.Join(srv.Shutdown(ctx), closeMirror())
			},
		},
	)

	exitCode := <-wait
	logger.Info("relay exited", "code", exitCode)
	os.Exit(exitCode)
}
