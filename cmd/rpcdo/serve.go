package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rpcdo/middleware"
	"rpcdo/registry"
	"rpcdo/server"
)

var (
	serveHTTP      string
	serveTCP       string
	serveGRPC      string
	serveToken     string
	serveService   string
	serveAdvertise string
	serveEtcd      []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference server",
	Long: `Run the reference dispatcher with a few system methods, for trying out
clients locally. The HTTP listener serves /rpc (WebSocket), /http, /jsonrpc
and /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveHTTP, "http", "127.0.0.1:7070", "HTTP listen address, empty to disable")
	f.StringVar(&serveTCP, "tcp", "127.0.0.1:7071", "framed TCP listen address, empty to disable")
	f.StringVar(&serveGRPC, "grpc", "", "gRPC listen address, empty to disable")
	f.StringVar(&serveToken, "token", "", "require this bearer token")
	f.StringVar(&serveService, "service", "rpcdo", "service name registered in etcd")
	f.StringVar(&serveAdvertise, "advertise", "", "TCP address registered in etcd")
	f.StringSliceVar(&serveEtcd, "etcd", nil, "etcd endpoints for registration")
}

func systemDispatcher(log *zap.Logger) (*server.Dispatcher, error) {
	d := server.NewDispatcher(log)
	d.Use(middleware.Logging(log))
	if err := d.Handle("system.ping", func() string { return "pong" }); err != nil {
		return nil, err
	}
	if err := d.Handle("system.time", func() time.Time { return time.Now().UTC() }); err != nil {
		return nil, err
	}
	if err := d.Handle("system.echo", func(v any) any { return v }); err != nil {
		return nil, err
	}
	if err := d.Handle("system.methods", d.Methods); err != nil {
		return nil, err
	}
	return d, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	d, err := systemDispatcher(log)
	if err != nil {
		return err
	}
	var auth server.Authenticator
	if serveToken != "" {
		auth = func(_ context.Context, tok string) error {
			if tok != serveToken {
				return errors.New("invalid token")
			}
			return nil
		}
	}
	srv := server.NewServer(d, auth, log)

	var reg registry.Registry
	if len(serveEtcd) > 0 {
		etcd, err := registry.NewEtcd(serveEtcd, 5*time.Second, log)
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if serveTCP != "" {
		g.Go(func() error {
			return srv.Serve(ctx, "tcp", serveTCP, serveService, serveAdvertise, reg)
		})
		log.Info("serving tcp", zap.String("addr", serveTCP))
	}

	var httpSrv *http.Server
	if serveHTTP != "" {
		mux := http.NewServeMux()
		mux.Handle("/rpc", srv.WebSocketHandler())
		mux.Handle("/http", srv.HTTPHandler())
		mux.Handle("/jsonrpc", srv.JSONRPCHandler())
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv = &http.Server{Addr: serveHTTP, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		log.Info("serving http", zap.String("addr", serveHTTP))
	}

	if serveGRPC != "" {
		gs := srv.NewGRPCServer()
		l, err := net.Listen("tcp", serveGRPC)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error { return gs.Serve(l) })
		g.Go(func() error {
			<-ctx.Done()
			gs.GracefulStop()
			return nil
		})
		log.Info("serving grpc", zap.String("addr", serveGRPC))
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}
		return srv.Shutdown(5 * time.Second)
	})
	return g.Wait()
}
