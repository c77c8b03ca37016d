package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"inkwell/engine/internal/app"
	"inkwell/engine/internal/config"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/logging"
	"inkwell/engine/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(report(os.Stderr, err))
	}
}

var rootCmd = &cobra.Command{
	Use:           "inkwell",
	Short:         "Versioned, collaborative content projects",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// report writes err as a JSON document and returns the exit status for it.
func report(w io.Writer, err error) int {
	described := app.Describe(err)
	body := map[string]any{
		"code":    described.Code,
		"message": described.Message,
	}
	if described.Details != nil {
		body["details"] = described.Details
	}
	_ = writeJSON(w, map[string]any{"error": body})
	return described.Status
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSON(v any) error {
	return writeJSON(os.Stdout, v)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

// newService reads the config and opens every backend. The caller must call
// the returned close function.
func newService(cmd *cobra.Command) (*app.Service, *zap.Logger, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := app.Open(cmd.Context(), cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, fmt.Errorf("open engine: %w", err)
	}
	closeFn := func() {
		if err := svc.Close(); err != nil {
			logger.Warn("close engine", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return svc, logger, closeFn, nil
}

// withService opens the engine for the duration of fn.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *app.Service, actor string) error) error {
	actor, err := currentUser(cmd)
	if err != nil {
		return err
	}
	svc, _, closeFn, err := newService(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(cmd.Context(), svc, actor)
}

func currentUser(cmd *cobra.Command) (string, error) {
	user, _ := cmd.Flags().GetString("user")
	user = strings.TrimSpace(user)
	if user == "" {
		user = os.Getenv("INKWELL_USER")
	}
	if user == "" {
		return "", errdefs.InvalidArgument("no acting user: pass --user or set INKWELL_USER", map[string]any{"user": "required"})
	}
	return user, nil
}

func parseRef(arg string) (store.ProjectRef, error) {
	ref, err := store.ParseRef(arg)
	if err != nil {
		return store.ProjectRef{}, errdefs.InvalidArgument(err.Error(), map[string]any{"project": arg})
	}
	return ref, nil
}

// readContent returns the bytes of path, or stdin when path is "-".
func readContent(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func init() {
	rootCmd.PersistentFlags().StringP("user", "u", "", "Acting user (default $INKWELL_USER)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file (default: environment only)")
}
