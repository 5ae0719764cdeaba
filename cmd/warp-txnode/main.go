package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mirkobrombin/warp-tx/v1/cache"
	"github.com/mirkobrombin/warp-tx/v1/config"
	"github.com/mirkobrombin/warp-tx/v1/core"
	"github.com/mirkobrombin/warp-tx/v1/logger"
	"github.com/mirkobrombin/warp-tx/v1/metrics"
	"github.com/mirkobrombin/warp-tx/v1/reaper"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	grpctransport "github.com/mirkobrombin/warp-tx/v1/transport/grpc"
	natstransport "github.com/mirkobrombin/warp-tx/v1/transport/nats"
	redistransport "github.com/mirkobrombin/warp-tx/v1/transport/redis"
	"github.com/mirkobrombin/warp-tx/v1/watchbus"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	addr      = flag.String("addr", "0.0.0.0:6380", "RESP listen address")
	httpAddr  = flag.String("http", "0.0.0.0:2112", "HTTP address for /metrics and /events, empty to disable")
	nodeName  = flag.String("node", "", "Node name, generated when empty")
	mode      = flag.String("mode", "standalone", "Transport: standalone, nats, redis or grpc")
	peers     = flag.String("peers", "", "Comma-separated peer names (nats, redis) or name=host:port pairs (grpc)")
	natsURL   = flag.String("nats-url", nats.DefaultURL, "NATS server URL")
	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis address")
	grpcAddr  = flag.String("grpc-addr", "0.0.0.0:7946", "gRPC listen address")
	logLevel  = flag.String("log-level", "info", "Log level")
	logFormat = flag.String("log-format", "console", "Log format: json or console")
	trace     = flag.Bool("trace", false, "Print spans to stdout")
	rateLimit = flag.Float64("rate", 0, "Per-connection command rate limit, 0 for none")
	container = flag.String("container", "memory", "Committed data container: memory or ristretto")
	breaker   = flag.Int("breaker", 5, "Consecutive send failures that open the circuit breaker, 0 to disable")
)

func main() {
	flag.Parse()
	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	if err := run(log); err != nil {
		log.Fatal("warp-txnode failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv("WARPTX_", config.Default())
	if err != nil {
		return err
	}

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	tr, cleanup, err := newTransport(log)
	if err != nil {
		return err
	}
	defer cleanup()
	if tr != nil && *breaker > 0 {
		tr = transport.NewCircuitBreaker(tr, *breaker, 5*time.Second)
	}

	reg := metrics.NewRegistry()
	bus := watchbus.NewInMemory()
	opts := []core.Option[[]byte]{
		core.WithConfig[[]byte](cfg),
		core.WithCodec[[]byte](cache.ByteCodec{}),
		core.WithLogger[[]byte](log),
		core.WithMetrics[[]byte](reg),
		core.WithWatchBus[[]byte](bus),
	}
	if *container == "ristretto" {
		rc, err := cache.NewRistretto[[]byte]()
		if err != nil {
			return err
		}
		defer rc.Close()
		opts = append(opts, core.WithContainer[[]byte](rc))
	}
	if tr != nil {
		opts = append(opts, core.WithTransport[[]byte](tr))
	} else if *nodeName != "" {
		opts = append(opts, core.WithNodeID[[]byte](*nodeName))
	}
	node, err := core.New[[]byte](opts...)
	if err != nil {
		return err
	}
	defer node.Close()

	go reaper.New(node, cfg.RemoteTxTimeout, cfg.RemoteTxTimeout/2, reaper.WithLogger(log)).Run(ctx)

	if *httpAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/events", watchbus.SSEHandler(bus))
		mux.Handle("/ws", watchbus.WebSocketHandler(bus))
		hs := &http.Server{Addr: *httpAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", zap.Error(err))
			}
		}()
		defer func() { _ = hs.Shutdown(context.Background()) }()
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", *addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()
	log.Info("warp-txnode listening", zap.String("addr", *addr), zap.String("node", node.ID()), zap.String("mode", *mode))

	srv := &server{node: node, log: log.Named("resp"), limit: rate.Limit(*rateLimit), burst: max(1, int(*rateLimit))}
	return srv.serve(ctx, lis)
}

// newTransport builds the transport selected by -mode. Standalone mode
// returns a nil transport.
func newTransport(log *zap.Logger) (transport.Transport, func(), error) {
	noop := func() {}
	if *mode != "standalone" && *nodeName == "" {
		return nil, noop, errors.New("-node is required with a transport")
	}
	switch *mode {
	case "standalone":
		return nil, noop, nil
	case "nats":
		conn, err := nats.Connect(*natsURL, nats.Name("warp-txnode-"+*nodeName))
		if err != nil {
			return nil, noop, err
		}
		return natstransport.New(conn, *nodeName, splitList(*peers), natstransport.WithLogger(log)), conn.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		tr := redistransport.New(redistransport.Options{Client: client, Node: *nodeName, Peers: splitList(*peers), Logger: log})
		return tr, func() { _ = client.Close() }, nil
	case "grpc":
		targets := make(map[string]string)
		for _, p := range splitList(*peers) {
			name, target, ok := strings.Cut(p, "=")
			if !ok {
				return nil, noop, fmt.Errorf("grpc peer %q is not name=host:port", p)
			}
			targets[name] = target
		}
		lis, err := net.Listen("tcp", *grpcAddr)
		if err != nil {
			return nil, noop, err
		}
		return grpctransport.New(*nodeName, lis, targets, grpctransport.WithLogger(log)), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown mode %q", *mode)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
