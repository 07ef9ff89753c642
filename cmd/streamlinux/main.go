// Command streamlinux is the host binary: it captures the desktop and its
// system audio, encodes and synchronizes them, negotiates a peer
// connection with a remote viewer, and streams until shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamlinux/streamlinux/internal/audio"
	"github.com/streamlinux/streamlinux/internal/avsync"
	"github.com/streamlinux/streamlinux/internal/capture"
	"github.com/streamlinux/streamlinux/internal/config"
	"github.com/streamlinux/streamlinux/internal/encode"
	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/internal/pairing"
	"github.com/streamlinux/streamlinux/internal/session"
	"github.com/streamlinux/streamlinux/internal/tlsutil"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var version = "0.1.0"

var log = logging.L("main")

var (
	flagBackend         string
	flagAudio           string
	flagCodec           string
	flagBitrate         string
	flagFPS             int
	flagQuality         string
	flagMonitor         int
	flagPort            int
	flagConfigPath      string
	flagNoCursor        bool
	flagVerbose         bool
	flagListMonitors    bool
	flagListAudioDevices bool
	flagBrokerURL       string
	flagTLSCertPath     string
)

var rootCmd = &cobra.Command{
	Use:     "streamlinux",
	Short:   "Stream this desktop's screen and audio to a remote viewer",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagBackend, "backend", "auto", "capture backend: auto, server, compositor")
	f.StringVar(&flagAudio, "audio", "system", "audio source: system, mic, mixed, none")
	f.StringVar(&flagCodec, "codec", "h264", "video codec: h264, h265, vp9, av1")
	f.StringVar(&flagBitrate, "bitrate", "auto", "target bitrate in bits/s, or 'auto'")
	f.IntVar(&flagFPS, "fps", 30, "target frame rate: 30 or 60")
	f.StringVar(&flagQuality, "quality", "", "quality preset: low, medium, high, ultra (overrides bitrate/fps/resolution)")
	f.IntVar(&flagMonitor, "monitor", -1, "monitor ID to capture (default: primary)")
	f.IntVar(&flagPort, "port", 0, "local port hint passed to the pairing bundle")
	f.StringVar(&flagConfigPath, "config", "", "path to a TOML config file")
	f.BoolVar(&flagNoCursor, "no-cursor", false, "do not composite the cursor into captured frames")
	f.BoolVar(&flagVerbose, "verbose", false, "enable debug-level logging")
	f.BoolVar(&flagListMonitors, "list-monitors", false, "list available monitors and exit")
	f.BoolVar(&flagListAudioDevices, "list-audio-devices", false, "list available audio devices and exit")
	f.StringVar(&flagBrokerURL, "broker", "", "signaling broker URL, e.g. wss://host:8443/ws")
	f.StringVar(&flagTLSCertPath, "broker-cert", "", "broker TLS certificate, used to compute the pairing bundle fingerprint")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return argError{err}
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// argError marks a failure that should exit 2 (bad invocation) rather
// than 1 (initialization failure), per the CLI surface's exit code
// contract.
type argError struct{ error }

func exitCodeFor(err error) int {
	if _, ok := err.(argError); ok {
		return 2
	}
	return 1
}

func run() error {
	level := "info"
	if flagVerbose {
		level = "debug"
	}
	logging.Init("text", level, os.Stderr)

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return argError{err}
	}
	applyFlagOverrides(cfg)

	if flagListMonitors {
		return listMonitors(cfg)
	}
	if flagListAudioDevices {
		return listAudioDevices(cfg)
	}

	videoCfg := cfg.ToVideoConfig()
	if triple, ok := encode.QualityPresets[model.QualityPreset(flagQuality)]; ok {
		videoCfg.Width, videoCfg.Height = triple.Width, triple.Height
		videoCfg.BitrateBps, videoCfg.FPS = triple.BitrateBps, triple.FPS
	}

	captureCfg := model.CaptureConfig{
		TargetFPS:     videoCfg.FPS,
		CursorVisible: !flagNoCursor,
	}
	if flagMonitor >= 0 {
		captureCfg.Region = model.Region{MonitorID: flagMonitor}
	} else {
		captureCfg.Region = model.Region{WholeMonitor: true}
	}

	audioCfg := cfg.ToAudioConfig()

	tokenStore := pairing.NewTokenStore()
	viewerToken, err := tokenStore.Mint("", pairing.DefaultExpiry, true)
	if err != nil {
		return fmt.Errorf("mint pairing token: %w", err)
	}
	log.Info("minted viewer pairing token", "token", pairing.NewSecureToken(viewerToken), "expiresIn", pairing.DefaultExpiry)

	fingerprint := ""
	if flagTLSCertPath != "" {
		if fp, err := tlsutil.Fingerprint(flagTLSCertPath); err == nil {
			fingerprint = fp
		} else {
			log.Warn("could not compute broker cert fingerprint", "error", err)
		}
	}

	hostname, _ := os.Hostname()
	bundle := pairing.NewBundle(hostname, cfg.Network.Port, fingerprint != "", viewerToken, fingerprint)
	bundleJSON, _ := pairing.MarshalBundleJSON(bundle)
	fmt.Fprintln(os.Stdout, string(bundleJSON))

	advertiser, err := pairing.Advertise(cfg.Network.Port, fingerprint != "")
	if err != nil {
		log.Warn("mdns advertisement failed, continuing without it", "error", err)
	} else {
		defer advertiser.Shutdown()
	}

	brokerURL := flagBrokerURL
	if brokerURL == "" {
		brokerURL = cfg.Network.BrokerURL
	}

	sessionCfg := session.Config{
		CaptureBackend: capture.BackendKind(flagBackend),
		AudioBackend:   audio.BackendAuto,
		AudioMode:      audio.Mode(flagAudio),
		Capture:        captureCfg,
		Video:          videoCfg,
		Audio:          audioCfg,
		BrokerURL:      brokerURL,
		Token:          viewerToken,
		RoomID:         hostname,
		DisplayName:    hostname,
		ICEServers:     cfg.Network.STUNServers,
		SyncPolicy: avsync.Policy{
			AllowFrameDrop:      true,
			AllowFrameDuplicate: false,
		},
		SyncPullTimeout:    100 * time.Millisecond,
		AdaptiveMinBitrate: 500_000,
		AdaptiveMaxBitrate: 20_000_000,
	}

	sup := session.New(sessionCfg, tokenStore)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("session ended with error", "error", err)
		return err
	}
	log.Info("session shut down cleanly")
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if flagBackend != "" {
		cfg.Display.Backend = flagBackend
	}
	if flagCodec != "" {
		cfg.Video.Codec = flagCodec
	}
	if flagBitrate != "" && flagBitrate != "auto" {
		if bps, err := strconv.Atoi(flagBitrate); err == nil {
			cfg.Video.BitrateBps = bps
		}
	}
	if flagFPS > 0 {
		cfg.Video.FPS = flagFPS
	}
	if flagPort > 0 {
		cfg.Network.Port = flagPort
	}
	cfg.Display.CursorVisible = !flagNoCursor
}

func listMonitors(cfg *config.Config) error {
	backend, err := capture.Select(capture.BackendKind(cfg.Display.Backend), model.CaptureConfig{TargetFPS: 30})
	if err != nil {
		return err
	}
	defer backend.Stop()
	monitors, err := backend.ListMonitors()
	if err != nil {
		return err
	}
	for _, m := range monitors {
		primary := ""
		if m.Primary {
			primary = " (primary)"
		}
		fmt.Printf("%d: %s %dx%d @%.0fHz%s\n", m.ID, m.Name, m.Width, m.Height, m.Refresh, primary)
	}
	return nil
}

func listAudioDevices(cfg *config.Config) error {
	backend, err := audio.Select(audio.BackendAuto, cfg.ToAudioConfig(), audio.ModeSystem)
	if err != nil {
		return err
	}
	defer backend.Stop()
	devices, err := backend.EnumerateDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		def := ""
		if d.IsDefault {
			def = " (default)"
		}
		fmt.Printf("%s: %s%s\n", d.ID, d.Description, def)
	}
	return nil
}
