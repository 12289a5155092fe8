// Command hubd is the collaboration hub server: it wires config, storage,
// the upstream OpenCode client, the room registry, the block engine, and
// the delegation manager into an app.Context, then serves both the /ws
// route and the REST introspection surface over chi. Grounded on the
// teacher's cmd/wl/main.go serveCmd wiring, minus the subcommand tree
// (which moved to hubctl, a pure network client of this server).
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencode-hub/hub/internal/app"
	"github.com/opencode-hub/hub/internal/config"
	"github.com/opencode-hub/hub/internal/httpapi"
	"github.com/opencode-hub/hub/internal/store"
	"github.com/opencode-hub/hub/internal/upstream"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("hubd: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	eng := store.NewEngine(db)
	up := upstream.NewOpenCode(cfg.UpstreamURL)
	appCtx := app.New(cfg, eng, up)

	handler, err := httpapi.New(httpapi.Config{
		App:      appCtx,
		BasePath: "/v0",
		Auth: httpapi.AuthConfig{
			JWTSecret:              cfg.JWTSecret,
			AllowLegacyActorHeader: cfg.JWTSecret == "",
		},
	})
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("hubd listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
