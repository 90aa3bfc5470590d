package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reliefops/fieldsync/internal/engine"
	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/netmon"
	"github.com/reliefops/fieldsync/internal/queue"
	"github.com/reliefops/fieldsync/internal/remote"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first incident report queue and sync engine",
	Long: `fieldsync keeps incident reports safe on the local device and syncs
them to the relief-ops API whenever connectivity allows.

Reports are stored in a durable SQLite queue. A background daemon watches
network state and pushes pending reports automatically; the same queue can
be inspected and driven manually with the status, sync, report, and draft
commands.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./fieldsync.yaml, then ~/.fieldsync/fieldsync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the queue database (overrides config)")
	_ = viper.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))
}

func initConfig() error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".fieldsync")

	viper.SetDefault("db.path", filepath.Join(base, "queue.db"))
	viper.SetDefault("spool.dir", filepath.Join(base, "spool"))
	viper.SetDefault("api.base_url", "https://api.reliefops.example")
	viper.SetDefault("api.user_id", "")
	viper.SetDefault("network.probe_addr", "1.1.1.1:443")
	viper.SetDefault("network.poll_interval", "10s")
	viper.SetDefault("sync.interval", "30s")
	viper.SetDefault("dashboard.port", 8790)
	viper.SetDefault("log.file", filepath.Join(base, "fieldsync.log"))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("fieldsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(base)
	}

	viper.SetEnvPrefix("FIELDSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

// openStore opens the queue database named in the config and ensures its
// schema exists.
func openStore() (*queue.Store, error) {
	store, err := queue.Open(viper.GetString("db.path"))
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// probeOnline performs a one-shot connectivity check using the configured
// probe address.
func probeOnline(cmd *cobra.Command) bool {
	probe := netmon.DialProbe(viper.GetString("network.probe_addr"), 3*time.Second)
	return probe(cmd.Context())
}

// buildEngine assembles a sync engine for one-shot commands. The returned
// monitor reflects a single probe; the daemon wires a polling monitor
// instead.
func buildEngine(cmd *cobra.Command, store *queue.Store, bus *events.Bus, logger *log.Logger) (*engine.Engine, *netmon.Monitor, error) {
	monitor, err := netmon.New(bus, &netmon.Config{
		Probe:  netmon.DialProbe(viper.GetString("network.probe_addr"), 3*time.Second),
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}
	monitor.SetOnline(probeOnline(cmd))

	eng, err := buildEngineWith(store, bus, monitor, logger)
	if err != nil {
		return nil, nil, err
	}
	return eng, monitor, nil
}

// buildEngineWith assembles the remote client, media uploader, and engine
// around an existing connectivity source.
func buildEngineWith(store *queue.Store, bus *events.Bus, conn engine.Connectivity, logger *log.Logger) (*engine.Engine, error) {
	baseURL := viper.GetString("api.base_url")
	client := remote.NewClient(baseURL, nil, logger)
	uploader := remote.NewUploader(baseURL, nil, logger)

	return engine.New(store, bus, conn, client, uploader, &engine.Config{
		Interval: viper.GetDuration("sync.interval"),
		Logger:   logger,
	})
}

func quietLogger() *log.Logger {
	if os.Getenv("FIELDSYNC_DEBUG") != "" {
		return log.New(os.Stderr, "[fieldsync] ", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}
