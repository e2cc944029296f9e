package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/okian/ritual/internal/adapters/http/api"
	"github.com/okian/ritual/internal/config"
	"github.com/okian/ritual/internal/simulation"
)

// Default configuration constants.
const (
	defaultURL          = "http://localhost:9080"
	defaultTimeout      = 2 * time.Minute
	defaultPollInterval = 2 * time.Second
	defaultRating       = 5
	defaultTokenTTL     = 24 * time.Hour
)

var rootCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive the ritual service as a couple",
	Long:  "simulate plays both partners of a couple through one weekly cycle against a running ritual service and verifies the outcome.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Simulate one full week for a new couple",
	RunE:  runSimulation,
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Print a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	rootCmd.PersistentFlags().String("secret", secretFromEnv(), "HS256 secret shared with the service")

	runCmd.Flags().String("url", defaultURL, "Base URL of the service")
	runCmd.Flags().String("partner-one", "", "User id of partner one (default: random)")
	runCmd.Flags().String("partner-two", "", "User id of partner two (default: random)")
	runCmd.Flags().String("location", "", "Couple location passed to generation")
	runCmd.Flags().Duration("timeout", defaultTimeout, "Ceiling for the whole run")
	runCmd.Flags().Duration("poll", defaultPollInterval, "Fallback poll interval while waiting")
	runCmd.Flags().Int("rating", defaultRating, "Completion rating 1-5; 0 skips completion")
	runCmd.Flags().String("log", "-", "Log file in addition to stdout (empty: simulation_TIMESTAMP.log)")
	runCmd.Flags().Bool("verbose", false, "Enable verbose logging")

	tokenCmd.Flags().Duration("ttl", defaultTokenTTL, "Token lifetime")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func secretFromEnv() string {
	if s := os.Getenv(config.EnvPrefix + "AUTH_SECRET"); s != "" {
		return s
	}
	return config.DefaultAuthSecret
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	logFile, _ := flags.GetString("log")
	verbose, _ := flags.GetBool("verbose")

	closeLog, err := simulation.SetupLogging(logFile, verbose)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer func() { _ = closeLog() }()

	cfg := &simulation.Config{Verbose: verbose}
	cfg.Secret, _ = flags.GetString("secret")
	cfg.BaseURL, _ = flags.GetString("url")
	cfg.PartnerOne, _ = flags.GetString("partner-one")
	cfg.PartnerTwo, _ = flags.GetString("partner-two")
	cfg.Location, _ = flags.GetString("location")
	cfg.Timeout, _ = flags.GetDuration("timeout")
	cfg.PollInterval, _ = flags.GetDuration("poll")
	cfg.Rating, _ = flags.GetInt("rating")

	// Fresh ids give the run an empty cycle.
	suffix := uuid.NewString()[:8]
	if cfg.PartnerOne == "" {
		cfg.PartnerOne = "sim-one-" + suffix
	}
	if cfg.PartnerTwo == "" {
		cfg.PartnerTwo = "sim-two-" + suffix
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := simulation.Run(ctx, cfg)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "agreed on %q for %s %s at %02d:00\n", report.Ritual, report.Date, report.Band, report.Hour)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	secret, _ := cmd.Flags().GetString("secret")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	token, err := api.SignToken(secret, args[0], ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// executeContext runs the root command with ctx; used by tests.
func executeContext(ctx context.Context, args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}
