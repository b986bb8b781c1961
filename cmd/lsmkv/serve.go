package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"

	lsmhttp "lsmkv/internal/http"
	"lsmkv/pkg/config"
	"lsmkv/pkg/store"

	"go.uber.org/dig"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	container, err := buildContainer(*configPath)
	if err != nil {
		return err
	}

	return container.Invoke(func(st *store.Store, srv *lsmhttp.Server) (err error) {
		defer func() {
			if cerr := st.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("failed to close store: %w", cerr))
			}
		}()

		if err := srv.Start(); err != nil {
			return err
		}
		slog.Info("lsmkv is running", "addr", srv.URL, "dir", st.Dir())

		<-ctx.Done()
		slog.Info("shutting down")

		return srv.Stop()
	})
}

func buildContainer(configPath string) (*dig.Container, error) {
	container := dig.New()
	constructors := []any{
		func() (config.Config, error) {
			cfg, err := initConfig(configPath)
			if err != nil {
				return cfg, err
			}
			initLogger(&cfg)
			return cfg, nil
		},
		func(cfg config.Config) (*store.Store, error) {
			return store.Open(cfg.DB, store.WithLogger(slog.Default()))
		},
		func(cfg config.Config, st *store.Store) *lsmhttp.Server {
			return lsmhttp.NewServer(st, lsmhttp.Options{
				Port:              strconv.Itoa(cfg.Server.Port),
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
				ShutdownTimeout:   cfg.Server.ShutdownTimeout,
			})
		},
	}
	for _, c := range constructors {
		if err := container.Provide(c); err != nil {
			return nil, err
		}
	}
	return container, nil
}
