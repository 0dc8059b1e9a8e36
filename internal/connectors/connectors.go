// Package connectors defines the platform edge contract.
package connectors

import "context"

// Connector is a long-running platform bridge. Start blocks until ctx is
// done; a connector that cannot run stays idle rather than erroring out.
type Connector interface {
	Name() string
	Start(ctx context.Context) error
}
