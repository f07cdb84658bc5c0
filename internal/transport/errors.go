package transport

import (
	"errors"
	"fmt"

	"github.com/AkshathPatkar/pinot/internal/domain"
)

var (
	// ErrAcquisitionTimeout is returned when a server channel's write lock
	// could not be taken within the request's time budget. Nothing was
	// written for the request.
	ErrAcquisitionTimeout = errors.New("timeout while acquiring channel lock")

	ErrChannelsShutdown = errors.New("server channels are shut down")

	errConnectionLost = errors.New("connection closed before the request was queued")
)

// ConnectError reports a failed dial or TLS handshake. The next send to the
// same server connects again from scratch.
type ConnectError struct {
	Server domain.ServerRoutingInstance
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConfigurationError reports unusable TLS settings: unknown provider or key
// and trust material that cannot be loaded.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tls configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SerializationError reports a request that could not be encoded. It is
// raised before any lock is taken.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize instance request: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
