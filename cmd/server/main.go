package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trust-scorer/internal/factory"
	"trust-scorer/internal/handler"
	"trust-scorer/internal/util"
)

func main() {
	// Initialize factory (loads config, logger and the model artifact)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := setupRouter(f)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		tlsConfig, err := f.TLSManager().GetTLSConfig()
		if err != nil {
			util.Fatal("Failed to configure TLS", util.ErrorField(err))
		}
		server.TLSConfig = tlsConfig
	} else if cfg.IsProduction() {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment))
	}

	startServer(f, server)
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	scoreHandler := handler.NewScoreHandler(f.ScoringService(), f.Logger())
	return handler.NewRouter(scoreHandler, handler.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Limiter:        f.Limiter(),
	}, f.Logger())
}

func startServer(f *factory.Factory, server *http.Server) {
	cfg := f.Config()
	serveErr := make(chan error, 1)

	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", server.TLSConfig != nil),
		util.String("address", server.Addr),
		util.Bool("model_loaded", f.ScoringService().Loaded()),
	)

	waitForShutdown(f, server, serveErr)
}

func waitForShutdown(f *factory.Factory, server *http.Server, serveErr <-chan error) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		util.Info("Received shutdown signal", util.String("signal", sig.String()))
	case err, ok := <-serveErr:
		if ok {
			util.Error("Server failed", util.ErrorField(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}
	f.Close()
}
