// Command expandscreen-host runs the session core's server role: it
// advertises itself over UDP discovery, accepts TCP (optionally TLS)
// connections, and drives each through the Handshake -> Connected ->
// Closed lifecycle, relaying ABR and FEC control traffic along the way
// (spec §3, §4.6, §4.7, §4.8).
package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fenglingyubing/expandscreen/internal/appwire"
	"github.com/fenglingyubing/expandscreen/internal/config"
	"github.com/fenglingyubing/expandscreen/internal/discovery"
	"github.com/fenglingyubing/expandscreen/internal/logging"
	"github.com/fenglingyubing/expandscreen/internal/protocol"
	"github.com/fenglingyubing/expandscreen/internal/transport"
)

var (
	version  = "0.1.0"
	cfgFile  string
	hostName string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "expandscreen-host",
	Short: "ExpandScreen session host",
	Long:  "ExpandScreen host - advertises and serves a screen-extension session over TCP.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the host",
	Run: func(cmd *cobra.Command, args []string) {
		runHost()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("expandscreen-host v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is platform config dir/expandscreen.yaml)")
	rootCmd.PersistentFlags().StringVar(&hostName, "name", "", "advertised server name (default: hostname)")

	rootCmd.AddCommand(runCmd)
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

func runHost() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	name := hostName
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = "expandscreen-host"
		}
	}
	serverID := uuid.NewString()

	var tlsConfig *tls.Config
	var pairingCode string
	if cfg.TLSEnabled {
		store := transport.NewFileCertStore(config.GetDataDir())
		identity, err := transport.LoadOrCreateServerIdentity(store, name)
		if err != nil {
			log.Error("failed to load or create host identity", logging.KeyError, err)
			os.Exit(1)
		}
		tlsConfig = identity.TLSConfig
		pairingCode = identity.PairingCode
		log.Info("host identity ready", "fingerprint", identity.Fingerprint)
		if cfg.RequirePairingCode {
			fmt.Printf("Pairing code: %s\n", pairingCode)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.ListenTCPPort)
	ln, err := transport.Listen(addr, tlsConfig)
	if err != nil {
		log.Error("failed to listen", logging.KeyError, errors.Wrapf(err, "listen on %s", addr))
		os.Exit(1)
	}
	defer ln.Close()
	log.Info("listening", "addr", addr, "tls", cfg.TLSEnabled)

	discSrv, err := discovery.NewServer(int(cfg.ListenUDPPort), int(cfg.ListenTCPPort), serverID, name, version)
	if err != nil {
		log.Error("failed to start discovery server", logging.KeyError, err)
		os.Exit(1)
	}
	go func() {
		if err := discSrv.Serve(); err != nil {
			log.Warn("discovery server stopped", logging.KeyError, err)
		}
	}()
	defer discSrv.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	connCh := make(chan acceptResult)
	go acceptLoop(ln, connCh)

	log.Info("host is running", "serverId", serverID, "name", name, "requirePairingCode", cfg.RequirePairingCode)

	for {
		select {
		case ac := <-connCh:
			if ac.err != nil {
				log.Warn("accept failed", logging.KeyError, ac.err)
				continue
			}
			go serveConnection(ac.conn, cfg, name, pairingCode)
		case <-sigCh:
			log.Info("shutting down host")
			return
		}
	}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func acceptLoop(ln *transport.Listener, out chan<- acceptResult) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			out <- acceptResult{err: err}
			return
		}
		out <- acceptResult{conn: conn}
	}
}

func serveConnection(conn net.Conn, cfg *config.Config, name, pairingCode string) {
	hs, err := appwire.WireHost(conn, cfg, func(reason protocol.KeyFrameRequestReason) {
		log.Debug("key frame requested", "reason", reason)
	})
	if err != nil {
		log.Error("failed to wire host session", logging.KeyError, err)
		_ = conn.Close()
		return
	}

	err = hs.Session.ServerHandshake(func(h protocol.Handshake) (string, bool, string) {
		if cfg.RequirePairingCode && h.PairingCode != pairingCode {
			return "", false, "invalid pairing code"
		}
		return uuid.NewString(), true, ""
	})
	if err != nil {
		log.Warn("handshake failed", logging.KeyError, err)
		_ = conn.Close()
		return
	}

	log.Info("client connected", "device", name, "remote", conn.RemoteAddr())
	if err := hs.Session.Run(); err != nil {
		log.Info("session ended", logging.KeyError, err)
	}
}
