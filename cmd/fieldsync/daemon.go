package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/reliefops/fieldsync/internal/dashboard"
	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/netmon"
	"github.com/reliefops/fieldsync/internal/spool"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the full sync stack in the foreground: the network monitor, the
spool watcher, the sync engine, and the WebSocket dashboard.

The daemon polls connectivity, ingests report files dropped into the spool
directory, and pushes queued reports whenever the device is online. The
dashboard broadcasts every sync event to connected clients.

Example usage:
  fieldsync daemon                    # Run with config defaults
  fieldsync daemon --foreground-logs  # Log to stderr instead of the log file

Connect to the dashboard:
  ws://localhost:8790/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		foreground, _ := cmd.Flags().GetBool("foreground-logs")

		var out io.Writer = os.Stderr
		if !foreground {
			out = &lumberjack.Logger{
				Filename:   viper.GetString("log.file"),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
				Compress:   true,
			}
		}
		logger := log.New(out, "[daemon] ", log.LstdFlags)

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		bus := events.NewBus(logger)

		monitor, err := netmon.New(bus, &netmon.Config{
			Probe:        netmon.DialProbe(viper.GetString("network.probe_addr"), 3*time.Second),
			PollInterval: viper.GetDuration("network.poll_interval"),
			Logger:       logger,
		})
		if err != nil {
			return err
		}

		eng, err := buildEngineWith(store, bus, monitor, logger)
		if err != nil {
			return err
		}

		watcher, err := spool.New(eng, viper.GetString("spool.dir"), &spool.Config{Logger: logger})
		if err != nil {
			return err
		}

		dash, err := dashboard.NewServer(bus, eng.Status, &dashboard.Config{
			Port:   viper.GetInt("dashboard.port"),
			Logger: logger,
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		monitor.Start(ctx)
		eng.Start(ctx)
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		if err := dash.Start(); err != nil {
			return err
		}

		fmt.Printf("Daemon running (dashboard on port %d). Press Ctrl+C to stop.\n", viper.GetInt("dashboard.port"))
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := dash.Stop(); err != nil {
			logger.Printf("Dashboard shutdown error: %v", err)
		}
		watcher.Stop()
		eng.Stop()
		monitor.Stop()

		fmt.Println("Daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("foreground-logs", false, "Log to stderr instead of the rotating log file")
	rootCmd.AddCommand(daemonCmd)
}
