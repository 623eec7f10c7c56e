// Package main provides the CLI entry point for the Secret Handshake agent.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/shs/internal/config"
	"github.com/postalsys/shs/internal/conn"
	"github.com/postalsys/shs/internal/crypto"
	"github.com/postalsys/shs/internal/identity"
	"github.com/postalsys/shs/internal/logging"
	"github.com/postalsys/shs/internal/metrics"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "shs",
		Short:   "Secret Handshake - authenticated key exchange and Box Stream transport",
		Version: Version,
	}

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dialCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate or display this agent's long-term identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, created, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("load or create identity: %w", err)
			}

			if created {
				fmt.Printf("Identity created in %s\n", dataDir)
			} else {
				fmt.Printf("Identity already exists in %s\n", dataDir)
			}
			fmt.Printf("Public key: %s\n", hex.EncodeToString(id.PublicKey()[:]))
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for the persisted identity")
	return cmd
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept Secret Handshake connections and echo received frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

			id, created, err := identity.LoadOrCreate(cfg.Agent.DataDir)
			if err != nil {
				return fmt.Errorf("load or create identity: %w", err)
			}
			if created {
				log.Info("generated new identity", logging.KeyComponent, "identity")
			}
			log.Info("listening",
				logging.KeyComponent, "serve",
				logging.KeyAppKey, cfg.AppKeyHex,
				"address", cfg.Listen.Address,
				"public_key", hex.EncodeToString(id.PublicKey()[:]))

			appKey, appKeyOverridden, err := cfg.AppKey()
			if err != nil {
				return fmt.Errorf("parse app key: %w", err)
			}
			var appKeyPtr *[crypto.KeySize]byte
			if appKeyOverridden {
				appKeyPtr = &appKey
			}

			m := metrics.Default()
			if cfg.Metrics.Enabled {
				go serveMetrics(cfg.Metrics.Address, log)
			}

			ln, err := net.Listen("tcp", cfg.Listen.Address)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Listen.Address, err)
			}
			defer ln.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps := conn.Deps{Logger: log, Metrics: m}
			return conn.Serve(ctx, deps, ln, id.Keypair, appKeyPtr, echoOnConnect(log))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

// echoOnConnect reads frames from the peer and writes each one back,
// closing the session cleanly when the peer does.
func echoOnConnect(log *slog.Logger) func(ctx context.Context, s *conn.Session) {
	return func(ctx context.Context, s *conn.Session) {
		defer s.Close()
		for {
			frame, err := s.ReadFrame()
			if err != nil {
				if err != io.EOF {
					log.Error("session read failed", "error", err)
				}
				return
			}
			if _, err := s.Write(frame); err != nil {
				log.Error("session write failed", "error", err)
				return
			}
		}
	}
}

func dialCmd() *cobra.Command {
	var dataDir string
	var remoteKeyHex string
	var appKeyHex string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "dial [address]",
		Short: "Connect to a peer, perform the handshake, and stream stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]

			id, _, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("load or create identity: %w", err)
			}

			remoteKeyBytes, err := hex.DecodeString(remoteKeyHex)
			if err != nil || len(remoteKeyBytes) != crypto.SignPublicKeySize {
				return fmt.Errorf("invalid --remote-key: must be %d hex-encoded bytes", crypto.SignPublicKeySize)
			}
			var remoteKey [crypto.SignPublicKeySize]byte
			copy(remoteKey[:], remoteKeyBytes)

			var appKeyPtr *[crypto.KeySize]byte
			if appKeyHex != "" {
				appKeyBytes, err := hex.DecodeString(appKeyHex)
				if err != nil || len(appKeyBytes) != crypto.KeySize {
					return fmt.Errorf("invalid --app-key: must be %d hex-encoded bytes", crypto.KeySize)
				}
				var appKey [crypto.KeySize]byte
				copy(appKey[:], appKeyBytes)
				appKeyPtr = &appKey
			}

			log := logging.NopLogger()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			session, err := conn.Dial(ctx, conn.Deps{Logger: log, HandshakeTimeout: timeout}, "tcp", addr, id.Keypair, remoteKey, appKeyPtr)
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer session.Close()

			fmt.Fprintf(os.Stderr, "connected to %s\n", addr)

			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := os.Stdin.Read(buf)
					if n > 0 {
						if _, werr := session.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()

			for {
				frame, err := session.ReadFrame()
				if err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
				os.Stdout.Write(frame)
			}
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for the persisted identity")
	cmd.Flags().StringVar(&remoteKeyHex, "remote-key", "", "Hex-encoded Ed25519 public key of the peer to dial (required)")
	cmd.Flags().StringVar(&appKeyHex, "app-key", "", "Hex-encoded 32-byte application key (defaults to the protocol default)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Handshake timeout")
	cmd.MarkFlagRequired("remote-key")

	return cmd
}

func serveMetrics(address string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics endpoint listening", "address", address)
	if err := http.ListenAndServe(address, mux); err != nil {
		log.Error("metrics endpoint stopped", "error", err)
	}
}
