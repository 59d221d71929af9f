package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sammck-go/wsrelay/pkg/wstnet"
	wrshare "github.com/sammck-go/wsrelay/share"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "wsrelay",
		Short:         "Relay TCP connections carried over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServerCommand(), newClientCommand(), newVersionCommand())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "wsrelay: %s\n", err)
		os.Exit(1)
	}
}

// envDefault returns the value of the environment variable name, or def if it is unset
func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func logLevelFromFlags(level string, verbose bool) (wrshare.LogLevel, error) {
	if verbose {
		return wrshare.LogLevelDebug, nil
	}
	return wrshare.ParseLogLevel(level)
}

func newServerCommand() *cobra.Command {
	config := &wrshare.ServerConfig{}
	var (
		host     string
		port     string
		logLevel string
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept websockets and relay each one to the TCP destination named in its first message",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logLevelFromFlags(logLevel, verbose)
			if err != nil {
				return err
			}
			config.LogLevel = level
			s, err := wrshare.NewServer(config)
			if err != nil {
				return err
			}
			return s.Run(cmd.Context(), host, port)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&host, "host", envDefault("HOST", "0.0.0.0"), "listen address (defaults to $HOST)")
	flags.StringVarP(&port, "port", "p", envDefault("PORT", "8080"), "listen port (defaults to $PORT)")
	flags.StringVar(&config.Path, "path", "", "only upgrade websockets on this URL path (default: any path)")
	flags.StringSliceVar(&config.AllowPatterns, "allow", nil, "regex of allowed host:port destinations (repeatable)")
	flags.StringVar(&config.AllowFile, "allow-file", "", "file of allowed destination patterns, reloaded on change")
	flags.StringVar(&config.Proxy, "proxy", "", "backend URL for non-websocket requests")
	flags.DurationVar(&config.DialTimeout, "dial-timeout", wstnet.DefaultDialTimeout, "outbound connect timeout")
	flags.IntVar(&config.BufferSize, "buffer-size", wrshare.DefaultBufferSize, "outbound read buffer size in bytes")
	flags.StringVar(&config.TLSCert, "tls-cert", "", "TLS certificate file")
	flags.StringVar(&config.TLSKey, "tls-key", "", "TLS private key file")
	flags.StringSliceVar(&config.ACMEHosts, "acme-host", nil, "hostnames for automatic Let's Encrypt certificates (repeatable)")
	flags.StringVar(&config.ACMEEmail, "acme-email", "", "contact email for Let's Encrypt registration")
	flags.StringVar(&config.ACMECache, "acme-cache", "", "directory for the ACME certificate cache")
	flags.BoolVar(&config.Metrics, "metrics", false, "expose prometheus metrics on /metrics")
	flags.StringVar(&logLevel, "log-level", "info", "log level (error, warning, info, debug, trace)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func newClientCommand() *cobra.Command {
	config := &wrshare.ClientConfig{}
	var (
		logLevel string
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "client <server>",
		Short: "Serve a local SOCKS5 proxy that tunnels each connection through the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logLevelFromFlags(logLevel, verbose)
			if err != nil {
				return err
			}
			config.LogLevel = level
			config.Server = args[0]
			c, err := wrshare.NewClient(config)
			if err != nil {
				return err
			}
			return c.Run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&config.SocksListen, "socks-listen", "127.0.0.1:1080", "local SOCKS5 listen address")
	flags.StringVar(&config.HTTPProxy, "proxy", "", "HTTP CONNECT proxy used to reach the server")
	flags.StringVar(&config.HostHeader, "hostname", "", "Host header sent in the websocket handshake")
	flags.BoolVar(&config.EarlyData, "early-data", false, "send the destination in the handshake instead of the first message")
	flags.IntVar(&config.MaxRetryCount, "max-retry-count", wrshare.DefaultMaxRetryCount, "retries of a failed websocket dial (-1 for unlimited)")
	flags.DurationVar(&config.MaxRetryInterval, "max-retry-interval", 10*time.Second, "maximum wait between retries")
	flags.StringVar(&logLevel, "log-level", "info", "log level (error, warning, info, debug, trace)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(wrshare.BuildVersion)
		},
	}
}
