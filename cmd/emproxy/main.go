// Package main provides the CLI entry point for the emproxy tunnel relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emproxy/emproxy/internal/config"
	"github.com/emproxy/emproxy/internal/health"
	"github.com/emproxy/emproxy/internal/identity"
	"github.com/emproxy/emproxy/internal/logging"
	"github.com/emproxy/emproxy/internal/metrics"
	"github.com/emproxy/emproxy/internal/probe"
	"github.com/emproxy/emproxy/internal/session"
)

var (
	// Version is set at build time
	Version = "dev"
)

// errSessionStopped ends the run group when the session stops cleanly.
var errSessionStopped = errors.New("session stopped")

func main() {
	rootCmd := &cobra.Command{
		Use:   "emproxy",
		Short: "emproxy - loopback WireGuard tunnel relay",
		Long: `emproxy terminates a single-peer WireGuard session on a loopback UDP
port and reflects every decrypted IPv4 packet back through the tunnel
with its source and destination addresses swapped.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(pubkeyCmd())

	if err := rootCmd.Execute(); err != nil {
		printErr(err.Error())
		os.Exit(1)
	}
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var configPath string
	var bindAddress string
	var dataDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel relay",
		Long:  "Start the tunnel relay and serve until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if bindAddress != "" {
				cfg.Tunnel.BindAddress = bindAddress
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			m := metrics.Default()

			keys, err := resolveKeys(cfg.Tunnel, dataDir)
			if err != nil {
				return fmt.Errorf("failed to load keys: %w", err)
			}

			mgr, err := session.NewManager(cfg.Tunnel, keys, logger, m)
			if err != nil {
				return fmt.Errorf("failed to create session manager: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := mgr.Start(cfg.Tunnel.BindAddress); err != nil {
				return fmt.Errorf("failed to start session (%s): %w", session.Kind(err), err)
			}

			printTitle("Starting emproxy relay...")
			printField("Public key", keys.PublicKey().String())
			printField("Listening", cfg.Tunnel.BindAddress)

			g, gctx := errgroup.WithContext(ctx)

			if cfg.Health.Enabled {
				srv := health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
					ProbeTimeout: cfg.Probe.Timeout,
				}, statusAdapter{mgr}, newProber(cfg, logger, m))
				if err := srv.Start(); err != nil {
					mgr.Stop()
					return fmt.Errorf("failed to start health server: %w", err)
				}
				printField("Health", "http://"+srv.Address().String())

				g.Go(func() error {
					<-gctx.Done()
					return srv.Stop()
				})
			}

			g.Go(func() error {
				if err := mgr.Wait(gctx); err != nil {
					return err
				}
				return errSessionStopped
			})

			err = g.Wait()
			if ctx.Err() != nil {
				fmt.Println()
				printTitle("Received signal, shutting down...")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := mgr.StopAndWait(shutdownCtx); serr != nil {
				printErr(fmt.Sprintf("Shutdown error: %v", serr))
			}

			printStats(mgr.Status())

			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errSessionStopped) {
				return fmt.Errorf("session ended: %w", err)
			}
			printOK("Relay stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults apply when empty)")
	cmd.Flags().StringVarP(&bindAddress, "bind", "b", "", "Override tunnel bind address (ipv4:port)")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "Read keys written by keygen from this directory")

	return cmd
}

func printStats(st session.Status) {
	s := st.Stats
	printField("Datagrams", fmt.Sprintf("%s in, %s out (%s reflected, %s rejected)",
		humanize.Comma(int64(s.DatagramsIn)), humanize.Comma(int64(s.DatagramsOut)),
		humanize.Comma(int64(s.Reflected)), humanize.Comma(int64(s.Rejected))))
	printField("Traffic", fmt.Sprintf("%s in, %s out", humanize.IBytes(s.BytesIn), humanize.IBytes(s.BytesOut)))
	if !st.StartedAt.IsZero() {
		printField("Started", humanize.Time(st.StartedAt))
	}
}

func newProber(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *probe.Prober {
	p := probe.New(logger, m)
	if cfg.Probe.BasePort != 0 {
		p.BasePort = cfg.Probe.BasePort
	}
	if cfg.Probe.Attempts > 0 {
		p.Attempts = cfg.Probe.Attempts
	}
	if cfg.Probe.Interval > 0 {
		p.Interval = cfg.Probe.Interval
	}
	return p
}

func probeCmd() *cobra.Command {
	var configPath string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check the local data path",
		Long: `Bind a loopback port, send marker datagrams at it from an adjacent
port and wait for one to arrive. Exits non-zero on failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = cfg.Probe.Timeout
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			p := newProber(cfg, logger, metrics.Default())

			start := time.Now()
			if err := p.Test(cmd.Context(), timeout); err != nil {
				return fmt.Errorf("probe failed (%s): %w", session.Kind(err), err)
			}
			printOK(fmt.Sprintf("Probe OK in %s", time.Since(start).Round(time.Microsecond)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", time.Second, "Maximum time to wait for a probe datagram")

	return cmd
}

func keygenCmd() *cobra.Command {
	var dataDir string
	var peer string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a relay private key",
		Long:  "Generate a new relay private key and store it with the peer public key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity.Exists(dataDir) && !force {
				keys, err := identity.Load(dataDir)
				if err != nil {
					return fmt.Errorf("failed to load existing keys: %w", err)
				}
				fmt.Printf("Keys already exist in %s\n", dataDir)
				printField("Public key", keys.PublicKey().String())
				return nil
			}

			peerKey := identity.Default().PeerPublicKey
			if peer != "" {
				k, err := identity.ParseKey(peer)
				if err != nil {
					return fmt.Errorf("invalid peer key: %w", err)
				}
				peerKey = k
			}

			keys, err := identity.Generate(peerKey)
			if err != nil {
				return err
			}
			if err := keys.Store(dataDir); err != nil {
				return fmt.Errorf("failed to store keys: %w", err)
			}

			printOK("Keys written to " + dataDir)
			printField("Public key", keys.PublicKey().String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./keys", "Directory for key files")
	cmd.Flags().StringVar(&peer, "peer", "", "Peer public key (defaults to the embedded peer key)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing keys")

	return cmd
}

func pubkeyCmd() *cobra.Command {
	var dataDir string
	var configPath string

	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the relay public key",
		Long:  "Print the public key peers must configure for this relay.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			keys, err := resolveKeys(cfg.Tunnel, dataDir)
			if err != nil {
				return err
			}

			fmt.Println(keys.PublicKey())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "Read keys from this directory")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}
