package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/pkeller/passauth/api"
	"github.com/pkeller/passauth/auth"
	"github.com/pkeller/passauth/authstore"
	"github.com/pkeller/passauth/proxy"
	bboltstorage "github.com/pkeller/passauth/storage/bbolt"
)

var (
	port       int
	dataDir    string
	baseURL    string
	appVersion string
	authMode   string
	locale     string
	threshold  int
	localID    int
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the local network proxy",
	Long: `Starts an HTTP proxy that forwards requests through the authenticated
call pipeline, with per-request abort support and automatic token refresh.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if baseURL == "" {
			return fmt.Errorf("--base-url is required")
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		mode := authstore.AuthModeToken
		if authMode == "cookie" {
			mode = authstore.AuthModeCookie
		}

		repo, err := bboltstorage.NewRepositoryFromFile(dataDir+"/sessions.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open session storage: %w", err)
		}
		defer repo.Close()

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		store := authstore.New(authstore.NewMemoryKV(), mode)
		transport := &api.HTTPTransport{
			BaseURL:    baseURL,
			AppVersion: appVersion,
		}

		var opts []api.Option
		opts = append(opts, api.WithLogger(logger))
		if locale != "" {
			opts = append(opts, api.WithLocale(locale))
		}
		if threshold > 0 {
			opts = append(opts, api.WithThreshold(threshold))
		}
		client := api.New(transport, store, opts...)

		service := auth.New(client, store, repo,
			auth.NewAccountClient(client),
			auth.NewLockClient(client),
			auth.WithLogger(logger),
		)

		if localID >= 0 {
			ok, err := service.ResumeSession(cmd.Context(), localID)
			if err != nil {
				return fmt.Errorf("resuming session %d: %w", localID, err)
			}
			if !ok {
				fmt.Printf("Session %d is locked; unlock it before proxying authenticated calls\n", localID)
			}
		}

		p := proxy.New(client, proxy.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/", p.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("proxy failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Proxying %s on 127.0.0.1:%d (data: %s)...\n", baseURL, port, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Idle(ctx); err != nil {
				fmt.Printf("Pending requests did not drain: %v\n", err)
			}
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("proxy shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(proxyCmd)
	proxyCmd.Flags().IntVarP(&port, "port", "p", 8090, "Port to listen on")
	proxyCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	proxyCmd.Flags().StringVar(&baseURL, "base-url", "", "Account API base URL")
	proxyCmd.Flags().StringVar(&appVersion, "app-version", "", "App version header sent on every call")
	proxyCmd.Flags().StringVar(&authMode, "auth-mode", "token", "Auth mode: token or cookie")
	proxyCmd.Flags().StringVar(&locale, "locale", "", "Locale header for unauthenticated calls")
	proxyCmd.Flags().IntVar(&threshold, "threshold", 0, "Max concurrent in-flight calls (0 = unlimited)")
	proxyCmd.Flags().IntVar(&localID, "local-id", -1, "Persisted session to resume on startup (-1 = none)")
}
