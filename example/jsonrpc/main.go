// Command jsonrpcd serves the demo JSON-RPC methods over HTTP.
//
//	jsonrpcd serve --config rpcsite.yaml
//	jsonrpcd hash-password
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mnehpets/rpcsite/auth"
	"github.com/mnehpets/rpcsite/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "jsonrpcd",
		Short:        "JSON-RPC 1.0, 1.1 and 2.0 over HTTP",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newHashPasswordCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON-RPC server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			logger, err := config.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overriding the configuration")
	return cmd
}

// serve runs the server until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	h, site, err := newHandler(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	logger.Info("serving",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", cfg.Path),
		zap.String("site_id", site.ID()),
		zap.Int("methods", len(site.Registry().Methods())))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newHashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password for the users section",
		Long:  "Print the bcrypt hash of a password. Without an argument the password is read from the first line of stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 for the default)")
	return cmd
}

func readPassword(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}
