package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"waveline/internal/config"
	"waveline/internal/lock"
	"waveline/internal/registry"
	"waveline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only status API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return coded(exitConfig, err)
			}
			provider, closeFn, err := registry.New(cfg, workspace)
			if err != nil {
				return coded(exitConfig, err)
			}
			defer closeFn()

			if addr == "" {
				addr = cfg.Server.Addr
			}
			secret := os.Getenv("WAVELINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("WAVELINE_JWT_SECRET is required for bearer auth")
			}

			handler, err := server.New(server.Config{
				Registry:  provider,
				Manifests: newManifestService(workspace),
				LogsDir:   filepath.Join(workspace, "logs"),
				Lock:      lock.NewManager(workspace, time.Duration(cfg.Lock.TTLMinutes)*time.Minute),
				BasePath:  basePath,
				Auth:      server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Waveline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}
