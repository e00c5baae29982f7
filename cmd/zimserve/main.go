// Command zimserve indexes a directory of ZIM archives and serves search, autocomplete,
// reads, random articles, and library management over HTTP; the same binary also exposes
// a CLI surface for one-off search/read/suggest/list operations against a local archive
// directory without starting the HTTP listener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zimserve/zimserve/internal/zimserve"
)

var (
	verbose bool
	debug   bool
)

func main() {
	root := &cobra.Command{
		Use:   "zimserve",
		Short: "Offline knowledge server over a directory of ZIM archives",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (no per-request logging is performed)")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	root.AddCommand(newServeCmd(), newSearchCmd(), newSuggestCmd(), newReadCmd(), newListCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadServer builds and loads a Server from environment configuration, the shared
// construction path for every subcommand (serve included).
func loadServer() (*zimserve.Server, error) {
	cfg, err := zimserve.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	log := zimserve.NewLogger(zimserve.LoggerOptions{Verbose: verbose, Debug: debug})
	_, envLocked := os.LookupEnv("ZIMI_AUTO_UPDATE")

	reg := prometheus.NewRegistry()
	s := zimserve.NewServer(cfg, log, reg, envLocked)
	s.Load()
	return s, nil
}

func newServeCmd() *cobra.Command {
	var port int
	var staticDir string
	var trustedProxy bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadServer()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			s.StartBackground(ctx)

			cfg := s.Config()
			handler := zimserve.NewRouter(s, trustedProxy, staticDir)
			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           handler,
				ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
				IdleTimeout:       cfg.HTTPIdleTimeout,
				MaxHeaderBytes:    cfg.HTTPMaxHeaderBytes,
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&staticDir, "static-dir", "", "directory of immutable vendor assets served under /static")
	cmd.Flags().BoolVar(&trustedProxy, "trust-proxy", false, "trust X-Forwarded-For for rate limiting")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var limit int
	var zim string
	var fast bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search installed archives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadServer()
			if err != nil {
				return err
			}
			var scope []string
			if zim != "" {
				scope = []string{zim}
			}
			resp, err := s.Search.Search(cmd.Context(), args[0], scope, limit, fast)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")
	cmd.Flags().StringVar(&zim, "zim", "", "restrict to one archive short name")
	cmd.Flags().BoolVar(&fast, "fast", false, "title-only fast phase")
	return cmd
}

func newSuggestCmd() *cobra.Command {
	var limit int
	var zim string

	cmd := &cobra.Command{
		Use:   "suggest <query>",
		Short: "Title autocomplete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadServer()
			if err != nil {
				return err
			}
			var scope []string
			if zim != "" {
				scope = []string{zim}
			}
			resp, err := s.Search.Search(cmd.Context(), args[0], scope, limit, true)
			if err != nil {
				return err
			}
			return printJSON(resp.Results)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().StringVar(&zim, "zim", "", "restrict to one archive short name")
	return cmd
}

func newReadCmd() *cobra.Command {
	var maxLength int

	cmd := &cobra.Command{
		Use:   "read <archive> <path>",
		Short: "Print a plaintext article",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadServer()
			if err != nil {
				return err
			}
			id, _, ok := s.Registry.Lookup(args[0])
			if !ok {
				return fmt.Errorf("%w: archive %q", zimserve.ErrNotFound, args[0])
			}
			reader, mu, err := s.Pools.Content.Get(id)
			if err != nil {
				return err
			}
			mu.Lock()
			entry, data, err := reader.GetEntry(args[1])
			mu.Unlock()
			if err != nil {
				return err
			}
			text := zimserve.StripHTMLTags(string(data))
			if runes := []rune(text); maxLength > 0 && len(runes) > maxLength {
				text = string(runes[:maxLength])
			}
			return printJSON(map[string]any{"title": entry.Title, "text": text})
		},
	}
	cmd.Flags().IntVar(&maxLength, "max-length", 0, "truncate text to this many characters")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadServer()
			if err != nil {
				return err
			}
			return printJSON(s.Registry.All())
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
