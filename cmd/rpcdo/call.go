package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"rpcdo/client"
	"rpcdo/middleware"
	"rpcdo/rpcerr"
)

var (
	callURL        string
	callTransports []string
	callToken      string
	callTimeout    time.Duration
	callInsecure   bool
)

var callCmd = &cobra.Command{
	Use:   "call <path> [json-arg...]",
	Short: "Call a remote method",
	Long: `Call a remote method by its dotted path. Each argument is parsed as JSON;
anything that is not valid JSON is sent as a string.

  rpcdo call users.get 42 --url wss://api.example.com/rpc`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	f := callCmd.Flags()
	f.StringVar(&callURL, "url", "", "endpoint URL (overrides config)")
	f.StringSliceVarP(&callTransports, "transport", "t", nil, "transports in fallback order: ws,tcp,http,jsonrpc,grpc")
	f.StringVar(&callToken, "token", "", "bearer token")
	f.DurationVar(&callTimeout, "timeout", 0, "per-call timeout")
	f.BoolVar(&callInsecure, "allow-insecure-auth", false, "send the token over plaintext connections")
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if callURL != "" {
		cfg.URL = callURL
	}
	if len(callTransports) > 0 {
		cfg.Transports = callTransports
	}
	if callToken != "" {
		cfg.Token = callToken
	}
	if callTimeout > 0 {
		cfg.Timeout = callTimeout
	}
	if callInsecure {
		cfg.AllowInsecureAuth = true
	}
	// A one-shot call has no use for keepalive pings.
	cfg.Socket.HeartbeatInterval = 0
	cfg.Socket.HeartbeatTimeout = 0

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c, err := client.Dial(ctx, cfg,
		client.WithLogger(log),
		client.WithHooks(middleware.Logging(log)),
	)
	if err != nil {
		return err
	}
	defer c.Close()
	client.SetDefault(c)

	path := c.Path(args[0])
	if path == nil {
		return fmt.Errorf("%q is not a callable path", args[0])
	}
	res, err := path.Call(ctx, parseArgs(args[1:])...)
	if err != nil {
		if code := rpcerr.CodeOf(err); code != "" {
			return fmt.Errorf("%s: %w", code, err)
		}
		return err
	}
	return printJSON(cmd, res)
}

func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		out[i] = v
	}
	return out
}

func printJSON(cmd *cobra.Command, res json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, res, "", "  "); err != nil {
		buf.Reset()
		buf.Write(res)
	}
	buf.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(buf.Bytes())
	return err
}
