// Command readport reads instrument data over a TCP socket connection,
// extracts typed fields from each message, and periodically saves batches
// to compressed columnar archives.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"readport/internal/archive"
	"readport/internal/config"
	"readport/internal/device"
	"readport/internal/extract"
	"readport/internal/logging"
	"readport/internal/pipeline"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "readport",
		Short:         "Read device data over a TCP socket connection",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Parse and save device data to columnar archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			debug, _ := cmd.Flags().GetBool("debug")
			return run(configPath, debug)
		},
	}
	runCmd.Flags().StringP("config", "c", "", "path to the configuration file")
	_ = runCmd.MarkFlagRequired("config")
	runCmd.Flags().Bool("debug", false, "turn on debug logging (overrides the config file)")

	echoCmd := &cobra.Command{
		Use:   "echo IP:PORT",
		Short: "Print messages coming from a device to stdout",
		Long: "Connect to the device and write raw framed messages to stdout.\n" +
			"Useful when the message format isn't known yet; redirect stdout\n" +
			"to a file to capture binary payloads.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return echo(args[0])
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, echoCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run loads the configuration and drives the two-stage pipeline until
// shutdown. The first interrupt requests a graceful drain; a second one
// terminates immediately, discarding queued records.
func run(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client := device.NewClient(cfg.Device.Addr(), device.Options{
		Timeout: time.Duration(cfg.Device.Timeout),
		Logger:  logger,
	})

	extractor, err := extract.NewExtractor(cfg.ExtractSpec())
	if err != nil {
		// Unreachable for a config that passed validation.
		return err
	}

	writer, err := archive.NewWriter()
	if err != nil {
		return err
	}
	defer writer.Close()

	p, err := pipeline.New(pipeline.Options{
		Conn:       client,
		Extractor:  extractor,
		Writer:     writer,
		Template:   archive.NewTemplate(cfg.DestTemplate(), cfg.Parser.DateLayout),
		PackLength: cfg.Parser.PackLength,
		QueueSize:  cfg.QueueSize,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("exiting gracefully, send the signal again to terminate immediately")
		p.Shutdown()
		<-sigCh
		logger.Info("terminating")
		cancel()
	}()

	if err := p.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("terminated before the queue was drained")
		}
		return err
	}
	return nil
}

// echo connects to the device and writes raw framed messages to stdout
// until the connection drops or an interrupt arrives. No parsing, no
// buffering: this is the protocol-discovery mode.
func echo(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("failed to parse %q as IP:PORT: %w", addr, err)
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return fmt.Errorf("failed to parse %q as IP:PORT: please provide a valid IP address", addr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := device.NewClient(net.JoinHostPort(host, port), device.Options{Logger: logger})
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return nil // interrupted before a connection was made
	}

	// Closing the socket unblocks a pending read when the interrupt lands.
	unblock := context.AfterFunc(ctx, client.Close)
	defer unblock()

	for {
		data, err := client.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("read failed", "error", err)
			return nil
		}
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
	}
}
