package events

import (
	"context"
	"fmt"
	"time"

	"github.com/surgicase/platform/internal/shared/config"
)

// EventBus defines the interface for event publishing and subscription.
// It carries domain events (case lifecycle), permission invalidation
// broadcasts and the audit feed.
type EventBus interface {
	// Publish publishes an event to the bus
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription to events matching a pattern
	Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error

	// Close closes the event bus connection
	Close()

	// Health checks the event bus connection
	Health() error
}

// NewEventBus creates an event bus, trying the HTTP transport first and
// falling back to gRPC. HTTP is more reliable across container network
// configurations.
func NewEventBus(ctx context.Context, cfg config.EventStoreConfig) (EventBus, string, error) {
	httpBus, err := tryHTTPBus(ctx, cfg)
	if err == nil {
		return httpBus, "http", nil
	}
	httpErr := err

	grpcBus, err := tryGRPCBus(ctx, cfg)
	if err == nil {
		return grpcBus, "grpc", nil
	}
	grpcErr := err

	return nil, "", fmt.Errorf("failed to connect to EventStoreDB: HTTP error: %v, gRPC error: %v", httpErr, grpcErr)
}

func tryHTTPBus(ctx context.Context, cfg config.EventStoreConfig) (EventBus, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return NewHTTPBus(timeoutCtx, cfg)
}

func tryGRPCBus(ctx context.Context, cfg config.EventStoreConfig) (EventBus, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bus, err := NewBus(timeoutCtx, cfg)
	if err != nil {
		return nil, err
	}

	if err := bus.Health(); err != nil {
		bus.Close()
		return nil, fmt.Errorf("gRPC health check failed: %w", err)
	}

	return bus, nil
}

// Ensure Bus implements EventBus
var _ EventBus = (*Bus)(nil)

// Ensure HTTPBus implements EventBus
var _ EventBus = (*HTTPBus)(nil)
