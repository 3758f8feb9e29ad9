package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tomorecon/internal/api"
	"tomorecon/pkg/catalog"
	"tomorecon/pkg/pipeline"
	"tomorecon/pkg/store"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Listen address, overrides server.address")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	defer env.log.Sync()

	addr := env.cfg.Server.Address
	if flagAddr, _ := cmd.Flags().GetString("addr"); flagAddr != "" {
		addr = flagAddr
	}

	ledger, err := env.openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	st := store.New(env.log)
	runner := pipeline.NewRunner(st, env.registry, pipeline.Options{
		Queue:    env.cfg.Pipeline.Queue,
		Recorder: ledger,
		Logger:   env.log,
	})
	srv := api.NewServer(api.Deps{
		Store:   st,
		Runner:  runner,
		Catalog: catalog.New(st, env.registry),
		Ledger:  ledger,
		Logger:  env.log,
	})

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		env.log.Info("listening", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	env.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		env.log.Warn("http shutdown", zap.Error(err))
	}
	return srv.Shutdown(shutdownCtx)
}
