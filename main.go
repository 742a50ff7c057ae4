package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/ptgott/batchmail/batch"
	"github.com/ptgott/batchmail/userconfig"
	"github.com/spf13/cobra"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath string
	queuePath  string
	level      string
	dryRun     bool
)

var rootCmd = &cobra.Command{
	Use:   "batchmail",
	Short: "Send a queue of messages through one SMTP relay session",
	Long: `batchmail reads a relay config and a queue of messages, opens a single
SMTP session, negotiates STARTTLS and AUTH once and sends every message in
its own transaction. A rejected message doesn't stop the rest.

Exit status is 0 when every message was sent, 2 when some were and 1 when
the session couldn't be used at all.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setLevel,
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send every message in the queue file",
	RunE:  send,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath,
		"config",
		"./config.yaml",
		"path to a YAML file containing your configuration",
	)
	rootCmd.PersistentFlags().StringVar(
		&level,
		"level",
		"info",
		`log level: "info", "debug", or "warn"`,
	)
	sendCmd.Flags().StringVar(
		&queuePath,
		"queue",
		"./queue.yaml",
		"path to a YAML file listing the messages to send",
	)
	sendCmd.Flags().BoolVar(
		&dryRun,
		"dry-run",
		false,
		"print each message to stdout instead of sending it",
	)

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(archiveCmd)
}

func main() {
	// Log with filename and line number. This writes to stderr, so it should
	// be thread safe.
	// https://github.com/rs/zerolog/blob/7ccd4c940bf8a02fcc5f10e5475f9d3daff04d57/log/log.go#L13
	log.Logger = log.With().Caller().Logger()

	// An interrupt cancels the session: the message in flight is abandoned
	// and the rest are reported as skipped.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		log.Error().Err(err).Msg("exiting")
	}
	stop()
	os.Exit(batch.ExitCode(err))
}

func setLevel(cmd *cobra.Command, args []string) error {
	switch level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	case "info":
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	return nil
}

// loadConfig reads and validates the file at configPath.
func loadConfig() (userconfig.Meta, error) {
	log.Info().
		Str("configPath", configPath).
		Msg("reading the config")

	f, err := os.Open(configPath)
	if err != nil {
		return userconfig.Meta{}, fmt.Errorf("can't open the application config file: %w", err)
	}
	defer f.Close()

	config, err := userconfig.Parse(f)
	if err != nil {
		return userconfig.Meta{}, fmt.Errorf("problem parsing your config: %w", err)
	}

	checkedConfig, err := config.CheckAndSetDefaults()
	if err != nil {
		return userconfig.Meta{}, fmt.Errorf("problem validating your config: %w", err)
	}

	log.Info().Str("configPath", configPath).Msg("successfully validated the config")
	return checkedConfig, nil
}

func send(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := os.Open(queuePath)
	if err != nil {
		return fmt.Errorf("can't open the queue file: %w", err)
	}
	entries, err := userconfig.ParseQueue(f)
	f.Close()
	if err != nil {
		return err
	}

	// Attachment paths are relative to the queue file.
	q, err := batch.Load(entries, conf.Defaults, filepath.Dir(queuePath))
	if err != nil {
		return err
	}

	err = batch.Run(cmd.Context(), &batch.Config{
		OutputWr: cmd.OutOrStdout(),
		DryRun:   dryRun,
	}, &conf, q)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("interrupt: stopped sending")
	}
	return err
}
