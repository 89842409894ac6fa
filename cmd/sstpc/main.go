// Command sstpc is a minimal SSTP VPN client: it completes the SSTP
// handshake and crypto binding against a server, then relays PPP frames
// between a spawned pppd and the TLS tunnel until torn down.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sstpgo/sstpc/pkg/config"
	"github.com/sstpgo/sstpc/pkg/logging"
	"github.com/sstpgo/sstpc/pkg/pppd"
	"github.com/sstpgo/sstpc/pkg/sstpclient"
	"github.com/sstpgo/sstpc/pkg/tlstransport"
)

const clientVersion = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "sstpc",
	Short: "A minimal SSTP VPN client",
}

func main() {
	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sstpc version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(clientVersion)
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage sstpc configuration files",
	}

	var out string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			return config.SaveConfig(config.DefaultConfig(), out)
		},
	}
	initCmd.Flags().StringVar(&out, "out", "", "path to write the default config to")
	configCmd.AddCommand(initCmd)

	return configCmd
}

func newConnectCmd() *cobra.Command {
	var configPath string
	var verbose int

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to an SSTP server and relay PPP over it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(configPath, verbose)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().CountVarP(&verbose, "verbose", "v", "increase log verbosity (repeatable)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runConnect(configPath string, verbose int) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	switch {
	case verbose >= 2:
		level = "debug"
	case verbose == 1 && level == "info":
		level = "debug"
	}

	format := logging.ParseFormat(cfg.Logging.Format)
	parsedLevel := logging.ParseLevel(level)
	log, err := logging.NewLogger("sstpc", parsedLevel, format, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("sstpc: initializing logger: %w", err)
	}

	host, _, err := splitHostPort(cfg.Server.Address)
	if err != nil {
		return err
	}

	tlsCfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: cfg.Server.TLSSkipVerify,
	}
	if cfg.Identity.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Identity.ClientCertFile, cfg.Identity.ClientKeyFile)
		if err != nil {
			return fmt.Errorf("sstpc: loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	transport, err := tlstransport.DialTLS("tcp", cfg.Server.Address, tlsCfg)
	if err != nil {
		return fmt.Errorf("sstpc: dialing %s: %w", cfg.Server.Address, err)
	}

	sessCfg := sstpclient.SessionConfig{
		ServerName:  host,
		Password:    cfg.PPP.Password,
		RetryBudget: cfg.Server.ConnectRetries,
		PPP: pppd.Config{
			PppdPath: cfg.PPP.PppdPath,
			Username: cfg.PPP.Username,
			Password: cfg.PPP.Password,
			Domain:   cfg.PPP.Domain,
			LogFile:  cfg.PPP.LogFile,
		},
	}
	sess := sstpclient.NewSession(sessCfg, transport, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	log.Info("connecting", logging.Fields{"server": cfg.Server.Address})
	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sstpc: session ended: %w", err)
	}
	return nil
}

func splitHostPort(address string) (string, string, error) {
	idx := strings.LastIndex(address, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("sstpc: server.address %q must be host:port", address)
	}
	return address[:idx], address[idx+1:], nil
}
