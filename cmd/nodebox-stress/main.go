package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vkngwrapper/arsenal/nodebox/internal/stress"
	"golang.org/x/exp/slog"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "nodebox-stress",
	Short: "Hammer shared nodebox containers from many goroutines",
	Long: `nodebox-stress clones and drops shared containers from many goroutines at once,
then checks that every shared value was torn down exactly once and that the
allocator reclaimed every node. It prints a JSON report including the
allocator's own statistics.

Settings are read from flags, from NODEBOX_* environment variables, and from
an optional nodebox-stress.yaml in the working directory, in that order of
precedence.`,
	SilenceUsage: true,
	RunE:         runStress,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a config file (default ./nodebox-stress.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log every allocator operation")
	flags.String("allocator", stress.AllocatorTyped, "allocator to stress (typed, slab)")
	flags.Int("payloads", 8, "number of independently shared values")
	flags.Int("workers", 8, "number of goroutines cloning and dropping")
	flags.Int("rounds", 10000, "clone/drop rounds per goroutine")
	flags.Int("block-size", 64*1024, "slab allocator block size in bytes")
	flags.String("strategy", "balanced", "slab allocator search strategy (balanced, min-memory, min-time)")
	flags.Bool("detailed-map", false, "include every node in the allocator stats")
}

func loadConfig(cmd *cobra.Command) (stress.Config, error) {
	v := viper.New()

	v.SetEnvPrefix("NODEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("nodebox-stress")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return stress.Config{}, errors.Wrap(err, "reading config file")
		}
	}

	for _, key := range []string{"allocator", "payloads", "workers", "rounds", "block-size", "strategy", "detailed-map"} {
		if err := v.BindPFlag(strings.ReplaceAll(key, "-", "_"), cmd.Flags().Lookup(key)); err != nil {
			return stress.Config{}, errors.Wrapf(err, "binding flag %s", key)
		}
	}

	return stress.LoadConfig(v)
}

func runStress(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	report, err := stress.Run(ctx, logger, config)
	if report.RunID != uuid.Nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(report.JSON()))
	}
	return err
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
