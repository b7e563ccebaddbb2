package usage

import (
	"context"

	"usage_sink/internal/models"
)

// Gateway persists one built record. A Write either stores all three
// entities or none of them; implementations own their store client and must
// be safe for concurrent use.
type Gateway interface {
	Write(ctx context.Context, rec *models.Record) error
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, rec *models.Record) error

func (f GatewayFunc) Write(ctx context.Context, rec *models.Record) error {
	return f(ctx, rec)
}
