package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/timegate/config"
	"github.com/mohammad-safakhou/timegate/internal/runtime"
	srv "github.com/mohammad-safakhou/timegate/internal/server"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the replay gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			logger := runtime.NewLogger("HTTP", cfg.General)
			a.runExclusionRefresh(ctx, logger)
			e := srv.NewGateway(srv.GatewayOptions{
				Engine:     a.engine,
				Index:      a.index,
				Exclusions: a.exclusions,
				Config:     cfg.Server,
				Logger:     logger,
			})
			return srv.Serve(ctx, e, cfg.Server.Address, logger)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	return serve
}

func loaderCMD() *cobra.Command {
	var loaderAddr string
	var loader = &cobra.Command{
		Use:   "loader",
		Short: "Run the resource loader service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if loaderAddr != "" {
				cfg.Loader.Address = loaderAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			logger := runtime.NewLogger("LOADER", cfg.General)
			e := srv.NewLoader(srv.LoaderOptions{
				Store:  a.store,
				Index:  a.index,
				Config: cfg.Loader,
				Logger: logger,
			})
			return srv.Serve(ctx, e, cfg.Loader.Address, logger)
		},
	}
	loader.Flags().StringVar(&loaderAddr, "addr", "", "listen address (overrides loader.address)")
	return loader
}
