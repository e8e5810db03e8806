// Package transports imports all built-in broker transports for
// auto-registration. Import this package to have every backend registered
// with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/busflow/transport/aws"
	_ "github.com/drblury/busflow/transport/channel"
	_ "github.com/drblury/busflow/transport/jetstream"
	_ "github.com/drblury/busflow/transport/kafka"
	_ "github.com/drblury/busflow/transport/nats"
	_ "github.com/drblury/busflow/transport/rabbitmq"
)
