package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Open creates a broker based on the configuration and checks that it is
// reachable.
func Open(ctx context.Context, config Config, logger *zap.Logger) (Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		b   Broker
		err error
	)
	switch config.Type {
	case TypeMemory, "":
		b = NewMemoryBroker(config, logger)
	case TypeRedis:
		b, err = NewRedisBroker(ctx, config, logger)
	case TypeAMQP:
		b, err = NewAMQPBroker(ctx, config, logger)
	case TypeSQL:
		b, err = NewSQLBroker(ctx, config, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, config.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := b.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("ping %s broker: %w", config.Type, err)
	}

	logger.Info("broker connected", zap.String("type", string(config.Type)))
	return b, nil
}

// MustOpen creates a broker or panics on error.
//
// WARNING: This function should ONLY be used during application initialization
// (e.g., in main() or init()). For runtime creation, use Open instead.
func MustOpen(ctx context.Context, config Config, logger *zap.Logger) Broker {
	b, err := Open(ctx, config, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to open broker: %v", err))
	}
	return b
}
