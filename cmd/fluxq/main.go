package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxq"
)

var (
	logLevel   string
	configPath string
	store      fluxq.StoreConfig
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "fluxq",
	Short:         "Store-backed task queue",
	Long:          "Push JSON tasks into a fluxq store and process them with a shell command.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&configPath, "config", "", "TOML file with queue options")
	pf.StringVar(&store.Type, "store", fluxq.StoreSQLite, "Store backend: memory, sqlite, postgres, redis, mongo")
	pf.StringVar(&store.DSN, "dsn", "fluxq.db", "SQL data source (sqlite, postgres)")
	pf.StringVar(&store.Addr, "addr", "localhost:6379", "Redis address")
	pf.StringVar(&store.URI, "uri", "mongodb://localhost:27017", "MongoDB connection string")
	pf.StringVar(&store.Prefix, "prefix", "", "Key, table or collection prefix")
	pf.StringVar(&store.Database, "database", "fluxq", "MongoDB database")

	rootCmd.AddCommand(runCmd, pushCmd, statsCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// queueOptions combines the config file with the store flags. Flags the
// user set explicitly win over the file's [store] table.
func queueOptions(cmd *cobra.Command, extra ...fluxq.Option) ([]fluxq.Option, error) {
	var opts []fluxq.Option
	if configPath != "" {
		fileOpts, err := fluxq.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fileOpts...)
	}
	if configPath == "" || storeFlagsChanged(cmd) {
		opts = append(opts, fluxq.WithStore(store))
	}
	opts = append(opts, fluxq.WithLogger(slog.Default()))
	return append(opts, extra...), nil
}

func storeFlagsChanged(cmd *cobra.Command) bool {
	for _, name := range []string{"store", "dsn", "addr", "uri", "prefix", "database"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}
