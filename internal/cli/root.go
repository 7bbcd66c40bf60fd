// Package cli implements plixctl, the operator and debugging client for the
// Plixmap API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"plixmap/api/internal/client/apiclient"
	"plixmap/api/internal/config"
	"plixmap/api/internal/logging"
)

var (
	apiURL     string
	token      string
	jsonOutput bool
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "plixctl",
		Short: "plixctl - Plixmap API client",
		Long: `plixctl talks to a Plixmap API server: it inspects presence and locks,
drives the unlock negotiation and watches the realtime channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API origin (default from PLIXMAP_API_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (default from PLIXMAP_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for watch")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if apiURL != "" {
		cfg.Client.APIURL = apiURL
	}
	return cfg, nil
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tok := token
	if tok == "" {
		tok = strings.TrimSpace(os.Getenv("PLIXMAP_TOKEN"))
	}
	return apiclient.New(cfg.Client.APIURL, apiclient.WithToken(tok)), nil
}

func newLogger(w io.Writer) zerolog.Logger {
	return logging.New(logging.Config{Level: logLevel, Pretty: !jsonOutput, Output: w, Service: "plixctl"})
}

// outputJSON prints v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints v as JSON with --json, otherwise runs the human formatter.
func emit(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	if jsonOutput {
		return outputJSON(cmd.OutOrStdout(), v)
	}
	human(cmd.OutOrStdout())
	return nil
}
