// Command expandscreen-client runs the session core's client role: it
// discovers a host over UDP broadcast (or dials a known address directly),
// completes the Handshake, and drives the resulting Session, reassembling
// FEC-protected video frames as they arrive (spec §3, §4.4, §4.7, §4.8).
package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fenglingyubing/expandscreen/internal/appwire"
	"github.com/fenglingyubing/expandscreen/internal/config"
	"github.com/fenglingyubing/expandscreen/internal/discovery"
	"github.com/fenglingyubing/expandscreen/internal/logging"
	"github.com/fenglingyubing/expandscreen/internal/protocol"
	"github.com/fenglingyubing/expandscreen/internal/session"
	"github.com/fenglingyubing/expandscreen/internal/transport"
)

var (
	version     = "0.1.0"
	cfgFile     string
	deviceName  string
	serverAddr  string
	pairingCode string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "expandscreen-client",
	Short: "ExpandScreen session client",
	Long:  "ExpandScreen client - discovers and connects to a screen-extension host.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a host",
	Run: func(cmd *cobra.Command, args []string) {
		runClient()
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List hosts advertising on the local network",
	Run: func(cmd *cobra.Command, args []string) {
		runDiscover()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("expandscreen-client v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is platform config dir/expandscreen.yaml)")
	rootCmd.PersistentFlags().StringVar(&deviceName, "name", "", "this device's name, sent in Handshake (default: hostname)")
	runCmd.Flags().StringVar(&serverAddr, "server", "", "host:port to dial directly, skipping discovery")
	runCmd.Flags().StringVar(&pairingCode, "pairing-code", "", "6-digit pairing code shown on the host, when it requires one")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	log = logging.L("main")
}

func runDiscover() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	deadline := time.Duration(cfg.DiscoveryDeadlineMs) * time.Millisecond
	results, err := discovery.Discover(int(cfg.ListenUDPPort), deadline)
	if err != nil {
		log.Error("discovery failed", logging.KeyError, err)
		os.Exit(1)
	}
	if len(results) == 0 {
		fmt.Println("no hosts found")
		return
	}
	for _, r := range results {
		fmt.Printf("%s\t%s:%d\t(%s)\n", r.ServerName, r.Host, r.TcpPort, r.ServerVersion)
	}
}

func runClient() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	name := deviceName
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = "expandscreen-client"
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// spec §4.7: a dropped connection retries with the exponential backoff
	// schedule in internal/session/reconnect.go, unless AutoReconnect is off
	// or the drop was a HandshakeError{Kind: Rejected} — a failed pairing
	// code requires explicit user action to re-enter a code, not a retry
	// (spec §8, open question 3).
	var backoff session.Backoff
	for {
		runErr := connectAndRun(cfg, name, serverAddr, sigCh)
		if runErr == nil {
			return
		}

		var hsErr *session.HandshakeError
		if stderrors.As(runErr, &hsErr) && hsErr.Kind == session.HandshakeRejected {
			log.Error("handshake rejected, not retrying", logging.KeyError, runErr)
			os.Exit(1)
		}
		if !cfg.AutoReconnect {
			log.Error("session ended, auto-reconnect disabled", logging.KeyError, runErr)
			os.Exit(1)
		}

		select {
		case <-sigCh:
			log.Info("shutdown requested, not reconnecting")
			return
		default:
		}

		delay := backoff.Next()
		log.Warn("session ended, reconnecting", logging.KeyError, runErr, "delay", delay)
		select {
		case <-time.After(delay):
		case <-sigCh:
			log.Info("shutdown requested during reconnect wait")
			return
		}
	}
}

// connectAndRun discovers (if serverAddr is empty) or dials the host
// directly, completes the handshake, and drives the session until it
// ends or sigCh fires. A nil return means a clean, user-initiated
// shutdown; any non-nil error is a candidate for the reconnect loop.
func connectAndRun(cfg *config.Config, name, serverAddr string, sigCh chan os.Signal) error {
	addr := serverAddr
	if addr == "" {
		deadline := time.Duration(cfg.DiscoveryDeadlineMs) * time.Millisecond
		results, err := discovery.Discover(int(cfg.ListenUDPPort), deadline)
		if err != nil {
			return errors.Wrap(err, "discovery")
		}
		if len(results) == 0 {
			return errors.New("no hosts found; pass --server host:port to connect directly")
		}
		chosen := results[0]
		addr = fmt.Sprintf("%s:%d", chosen.Host, chosen.TcpPort)
		log.Info("discovered host", "name", chosen.ServerName, "addr", addr)
	}

	var clientTLS *tls.Config
	if cfg.TLSEnabled {
		store := transport.NewFileFingerprintStore(config.GetDataDir())
		clientTLS = transport.ClientTLSConfig(addr, store)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond)
	conn, err := transport.Dial(ctx, addr, time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond, clientTLS)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}

	cs := appwire.WireClient(conn, cfg, func(seq uint32, data []byte, reconstructed bool) {
		log.Debug("video frame delivered", "seq", seq, "bytes", len(data), "reconstructed", reconstructed)
	})

	handshake := protocol.Handshake{
		DeviceId:      uuid.NewString(),
		DeviceName:    name,
		ClientVersion: version,
		PairingCode:   pairingCode,
	}
	if err := cs.Session.ClientHandshake(handshake); err != nil {
		_ = conn.Close()
		return err
	}
	log.Info("connected", "server", addr)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			log.Info("disconnecting")
			cs.Session.Disconnect()
		case <-done:
		}
	}()

	runErr := cs.Session.Run()
	close(done)
	return runErr
}
