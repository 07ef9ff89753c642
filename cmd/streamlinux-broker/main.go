// Command streamlinux-broker runs the signaling broker: the small,
// stateful, in-memory service that pairs hosts with viewers and forwards
// negotiation traffic without ever seeing media.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamlinux/streamlinux/internal/broker"
	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/internal/pairing"
)

var (
	version = "0.1.0"

	flagHost          string
	flagPort          int
	flagTLSCert       string
	flagTLSKey        string
	flagTokenTTL      time.Duration
	flagAllowInsecure bool
	flagQR            bool
	flagMDNS          bool
	flagRoomTimeout   time.Duration
	flagDebug         bool
	flagAllowedOrigins string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:     "streamlinux-broker",
	Short:   "Signaling broker for streamlinux host/viewer pairing",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBroker()
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagHost, "host", "0.0.0.0", "address to bind the signaling listener to")
	flags.IntVar(&flagPort, "port", 8443, "port to bind the signaling listener to")
	flags.StringVar(&flagTLSCert, "tls-cert", "", "path to the TLS certificate (PEM)")
	flags.StringVar(&flagTLSKey, "tls-key", "", "path to the TLS private key (PEM)")
	flags.DurationVar(&flagTokenTTL, "token-ttl", 24*time.Hour, "validity window for host registration tokens")
	flags.BoolVar(&flagAllowInsecure, "allow-insecure", false, "permit a plaintext listener (loopback bind only)")
	flags.BoolVar(&flagQR, "qr", true, "serve /qr and /qr/image")
	flags.BoolVar(&flagMDNS, "mdns", true, "advertise via mDNS/DNS-SD")
	flags.DurationVar(&flagRoomTimeout, "room-timeout", 5*time.Minute, "idle duration after which an empty room is destroyed")
	flags.BoolVar(&flagDebug, "debug", false, "enable debug-level logging")
	flags.StringVar(&flagAllowedOrigins, "allowed-origins", "", "comma-separated list of web origins allowed to upgrade (besides loopback/private-network)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBroker() error {
	level := "info"
	if flagDebug {
		level = "debug"
	}
	logging.Init("text", level, os.Stderr)

	cfg := broker.Config{
		Host:          flagHost,
		Port:          flagPort,
		TLSCertPath:   flagTLSCert,
		TLSKeyPath:    flagTLSKey,
		TokenTTL:      flagTokenTTL,
		AllowInsecure: flagAllowInsecure,
		RoomTimeout:   flagRoomTimeout,
		EnableQR:      flagQR,
	}
	if flagAllowedOrigins != "" {
		cfg.AllowedOrigins = strings.Split(flagAllowedOrigins, ",")
	}

	b, err := broker.New(cfg)
	if err != nil {
		log.Error("broker configuration rejected", "error", err)
		return err
	}

	var advertiser *pairing.Advertiser
	if flagMDNS {
		advertiser, err = pairing.Advertise(flagPort, flagTLSCert != "")
		if err != nil {
			log.Warn("mdns advertisement failed, continuing without it", "error", err)
		} else {
			defer advertiser.Shutdown()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("broker exited", "error", err)
		return err
	}
	log.Info("broker shut down cleanly")
	return nil
}
