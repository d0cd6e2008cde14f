package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"boxboard/api"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg)

	shutdownTracing, err := setupTracing(cfg, logger)
	if err != nil {
		logger.Fatalf("tracing: %v", err)
	}

	auth, err := newAuthenticator(cfg)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	rooms, err := newRoomRegistry(cfg, logger)
	if err != nil {
		logger.Fatalf("rooms: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rooms.start(ctx); err != nil {
		logger.Fatalf("start rooms: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	api.Register(e, rooms, rooms.hub, auth, newDeduper(cfg), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "rooms": cfg.Rooms}).Info("listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			logger.WithError(err).Warn("http shutdown")
		}
		rooms.close(sctx)
		if err := shutdownTracing(sctx); err != nil {
			logger.WithError(err).Warn("tracing shutdown")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Fatalf("server: %v", err)
	}
	logger.Info("stopped")
}

func newLogger(cfg config) *log.Logger {
	logger := log.StandardLogger()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

// setupTracing installs a stdout span exporter when OTEL_TRACES=stdout.
// Otherwise the global provider stays a no-op.
func setupTracing(cfg config, logger log.FieldLogger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.OtelTraces {
	case "":
		return noop, nil
	case "stdout":
	default:
		return noop, fmt.Errorf("unknown OTEL_TRACES %q", cfg.OtelTraces)
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return noop, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	logger.Warn("otel using stdout exporter")
	return tp.Shutdown, nil
}

// newDeduper shares applied command ids through Redis when it is configured.
func newDeduper(cfg config) api.Deduper {
	if cfg.RedisConnectionString == "" {
		return nil
	}
	return api.NewRedisDeduper(redis.NewClient(redisOptions(cfg.RedisConnectionString)), cfg.DeduperTTL)
}

func newAuthenticator(cfg config) (api.Authenticator, error) {
	switch {
	case cfg.AuthDisabled:
		log.Warn("authentication disabled")
		return api.NoAuth{}, nil
	case cfg.LocalAuthSharedSecret != "":
		return api.NewAuth(nil, api.AuthConfig{Audience: cfg.Auth0Audience, LocalSecret: cfg.LocalAuthSharedSecret}), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, api.AuthConfig{Audience: cfg.Auth0Audience, Issuer: "https://" + cfg.Auth0Domain + "/"}), nil
}
