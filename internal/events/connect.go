package events

import (
	"context"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/config"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
)

const embeddedReadyTimeout = 5 * time.Second

// Bus bundles a publisher with the resources behind it, so callers
// can tear everything down with one Close.
type Bus struct {
	Publisher Publisher

	nc     *nats.Conn
	server *natsserver.Server
	logger *logging.Logger
}

// Connect builds an event bus from configuration. With Embedded set,
// an in-process NATS server is started on an ephemeral port and the
// configured URL is ignored. With no URL and no embedded server the
// bus is a no-op.
func Connect(ctx context.Context, cfg config.EventsConfig, logger *logging.Logger) (*Bus, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	bus := &Bus{Publisher: NopPublisher{}, logger: logger.Named("events")}

	url := cfg.URL
	if cfg.Embedded {
		srv, err := startEmbeddedServer()
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		bus.server = srv
		url = srv.ClientURL()
	}
	if url == "" {
		return bus, nil
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
	)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	bus.nc = nc
	bus.Publisher = NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	bus.logger.Info(ctx, "event bus connected",
		zap.String("url", url),
		zap.Bool("embedded", cfg.Embedded),
	)
	return bus, nil
}

// Conn exposes the underlying connection for subscribers like the
// SSE bridge. Nil when the bus is a no-op.
func (b *Bus) Conn() *nats.Conn {
	return b.nc
}

// Close shuts down the publisher, connection, and embedded server.
func (b *Bus) Close() {
	if b.Publisher != nil {
		b.Publisher.Close()
	}
	if b.nc != nil {
		b.nc.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
}

func startEmbeddedServer() (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go srv.Start()
	if !srv.ReadyForConnections(embeddedReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", embeddedReadyTimeout)
	}
	return srv, nil
}
