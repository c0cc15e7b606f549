package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"freightline/internal/app"
	"freightline/internal/logger"
	"freightline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devParty bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the metrics endpoint and the event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.NewSublogger("serve")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			rt, err := openRuntime(ctx, app.Options{Registerer: reg})
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}

			relay, err := rt.Relay(ctx)
			if err != nil {
				return err
			}
			relayDone := make(chan struct{})
			if relay != nil {
				go func() {
					defer close(relayDone)
					_ = relay.Run(ctx)
				}()
			} else {
				close(relayDone)
			}

			api, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:        rt.Config.Auth.JWTSecret,
					AllowPartyHeader: devParty,
					Log:              logger.NewSublogger("server.auth"),
				},
			})
			if err != nil {
				return err
			}
			router := chi.NewRouter()
			router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			router.Mount("/", api)

			srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.WithField("addr", addr).WithField("relay", relay != nil).Info("Serving freightline API")
			fmt.Printf("Serving Freightline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				<-relayDone
				return err
			}
			<-relayDone
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&devParty, "dev-party-header", false, "trust the X-Party header without credentials (local development only)")
	return cmd
}
