package patrol

import "context"

// PositionSource delivers live position samples for a guard. Each Subscribe
// returns a fresh handle; handles are not restartable.
type PositionSource interface {
	Subscribe(ctx context.Context, guardID string, highAccuracy bool) (Subscription, error)
}

// Subscription is one live position feed. Errors carries non-fatal source
// failures (permission revoked, device disconnected). After Close neither
// channel receives further values.
type Subscription interface {
	Samples() <-chan GeoSample
	Errors() <-chan error
	Close()
}
