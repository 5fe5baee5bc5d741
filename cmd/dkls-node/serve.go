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
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"dkls-node/api"
	"dkls-node/api/handlers"
	"dkls-node/internal/config"
	"dkls-node/internal/logger"
	"dkls-node/internal/network"
	"dkls-node/internal/party"
	"dkls-node/internal/session"
	"dkls-node/internal/storage"
)

var serveArg struct {
	ConfigPath string
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveArg.ConfigPath, "config", "c", "config.yaml", "path to the node configuration")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the node relay and HTTP API",
	Args:  noExtraArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(serveArg.ConfigPath)
		if err != nil {
			return err
		}
		if err := logger.InitLogger(cfg.Logger); err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	store, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	addrs := make(map[string]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		addrs[p.Name] = p.Address
	}
	sm := session.NewManager()
	node, err := network.NewServer(cfg, sm, party.NewRegistry(256), network.NewTCPTransport(addrs), store)
	if err != nil {
		return err
	}
	if err := node.Start(cfg.Node.ListenAddr); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.SetupRouter(handlers.NewHandler(node, store), cfg.Metrics.Enabled)
	httpServer := &http.Server{Addr: cfg.Node.APIAddr, Handler: router}
	httpErr := make(chan error, 1)
	go func() {
		logger.Log.Infof("HTTP API listening on %s", cfg.Node.APIAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go pruneSessions(ctx, sm, 10*cfg.Setup.TTL)

	var result *multierror.Error
	select {
	case <-ctx.Done():
		logger.Log.Info("shutting down")
	case err := <-httpErr:
		result = multierror.Append(result, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := node.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func pruneSessions(ctx context.Context, sm *session.Manager, maxAge time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := sm.Prune(maxAge); len(ids) > 0 {
				logger.Log.Debugf("pruned %d finished sessions", len(ids))
			}
		}
	}
}
