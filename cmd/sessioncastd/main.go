// Command sessioncastd runs the session fan-out core as a standalone
// daemon: an HTTP control surface for connect/subscribe/disconnect and
// publish, an optional bus consumer leg, and a Prometheus metrics
// endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/sessioncast/sessioncast/bus"
	busmemory "github.com/sessioncast/sessioncast/bus/memory"
	busredis "github.com/sessioncast/sessioncast/bus/redis"
	"github.com/sessioncast/sessioncast/connstore"
	connmemory "github.com/sessioncast/sessioncast/connstore/memory"
	connmongo "github.com/sessioncast/sessioncast/connstore/mongo"
	connredis "github.com/sessioncast/sessioncast/connstore/redis"
	"github.com/sessioncast/sessioncast/delivery/httppush"
	"github.com/sessioncast/sessioncast/fanout"
	"github.com/sessioncast/sessioncast/gatewayapi"
	"github.com/sessioncast/sessioncast/internal/jwtauth"
	"github.com/sessioncast/sessioncast/internal/logctx"
	"github.com/sessioncast/sessioncast/registry"
)

type config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	// StoreDriver selects the connection store backend: memory, redis or
	// mongo.
	StoreDriver  string        `env:"STORE_DRIVER,default=memory"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT,default=2s"`
	RedisAddr    string        `env:"REDIS_ADDR,default=localhost:6379"`
	MongoURI     string        `env:"MONGO_URI,default=mongodb://localhost:27017"`

	// BusDriver selects the inbound message bus: none, memory or redis.
	// With "none" the daemon only accepts publishes over HTTP.
	BusDriver string `env:"BUS_DRIVER,default=none"`
	BusStream string `env:"BUS_STREAM,default=sessioncast:bus"`

	DeliveryEndpoint  string        `env:"DELIVERY_ENDPOINT,required"`
	DeliveryTimeout   time.Duration `env:"DELIVERY_TIMEOUT,default=5s"`
	FanoutConcurrency int           `env:"FANOUT_CONCURRENCY,default=16"`

	// OIDCIssuer and JWKSURL enable bearer-token authentication on the
	// control surface when both are set.
	OIDCIssuer  string `env:"OIDC_ISSUER"`
	JWKSURL     string `env:"JWKS_URL"`
	JWTAudience string `env:"JWT_AUDIENCE"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sessioncastd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = store.Close() }()

	reg := registry.New(store,
		registry.WithLogger(log),
		registry.WithStoreTimeout(cfg.StoreTimeout),
	)

	channel, err := httppush.New(httppush.Config{Endpoint: cfg.DeliveryEndpoint})
	if err != nil {
		return fmt.Errorf("delivery: %w", err)
	}

	pub := fanout.New(reg, channel,
		fanout.WithLogger(log),
		fanout.WithConcurrency(cfg.FanoutConcurrency),
		fanout.WithSendTimeout(cfg.DeliveryTimeout),
	)

	var gatewayOpts []gatewayapi.Option
	gatewayOpts = append(gatewayOpts, gatewayapi.WithLogger(log))
	if cfg.OIDCIssuer != "" && cfg.JWKSURL != "" {
		authCfg := jwtauth.Config{Issuer: cfg.OIDCIssuer}
		if cfg.JWTAudience != "" {
			authCfg.ExpectedAudiences = []string{cfg.JWTAudience}
		}
		auth, err := jwtauth.NewJWKS(ctx, authCfg, cfg.JWKSURL)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		gatewayOpts = append(gatewayOpts, gatewayapi.WithAuthenticator(auth))
	}

	gateway, err := gatewayapi.New(reg, pub, gatewayOpts...)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", gateway)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.InfoContext(egCtx, "listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("store", cfg.StoreDriver),
			slog.String("bus", cfg.BusDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.BusDriver != "none" {
		b, err := newBus(cfg)
		if err != nil {
			return fmt.Errorf("bus: %w", err)
		}
		defer func() { _ = b.Close() }()

		consumer := fanout.NewConsumer(b, pub, fanout.WithConsumerLogger(log))
		eg.Go(func() error {
			if err := consumer.Run(egCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("bus consumer: %w", err)
			}
			return nil
		})
	}

	err = eg.Wait()
	log.Info("shut down")
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: inner})
}

func newStore(ctx context.Context, cfg config) (connstore.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return connmemory.New(), nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return connredis.New(connredis.Config{Client: client})
	case "mongo":
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("mongo ping: %w", err)
		}
		return connmongo.New(ctx, connmongo.Config{Client: client})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newBus(cfg config) (bus.Bus, error) {
	switch cfg.BusDriver {
	case "memory":
		return busmemory.New(), nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		return busredis.New(busredis.Config{Client: client, Stream: cfg.BusStream})
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}
