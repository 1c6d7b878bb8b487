// Package bus defines the line-oriented transport contract the FEA session is
// built on, together with a small driver registry so that concrete transports
// (VISA bindings, simulators) can be selected by address scheme.
package bus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// ErrTransportFailure marks bus-level I/O failures. They are not recoverable
// by the session and are surfaced to the caller unchanged.
var ErrTransportFailure = errors.New("transport failure")

// ErrUnknownDriver is returned by Open when no driver is registered for the
// address scheme.
var ErrUnknownDriver = errors.New("unknown bus driver")

// ServiceRequestHandler is invoked by the bus when the device asserts a
// service request.
type ServiceRequestHandler func()

// Bus is an exclusive-access, line-oriented transport to one mainframe.
//
// Implementations must honour ctx on the blocking calls and must never invoke
// the subscribed ServiceRequestHandler concurrently with itself: delivery of
// service requests is single-threaded. The session relies on this; a bus that
// delivers in parallel turns the session lock into a queue.
type Bus interface {
	// WriteLine sends one command. The line terminator is appended by the bus.
	WriteLine(ctx context.Context, line string) error
	// ReadLine returns the next reply line without its terminator.
	ReadLine(ctx context.Context) (string, error)
	// ReadStatusByte performs an out-of-band status byte read (serial poll).
	ReadStatusByte(ctx context.Context) (byte, error)
	// Subscribe installs the service request handler, replacing any previous one.
	Subscribe(handler ServiceRequestHandler) error
	// Unsubscribe removes the handler. No callback is delivered after it returns.
	Unsubscribe() error
	// Close releases the transport.
	Close() error
}

// Driver opens a Bus for a parsed address.
type Driver func(ctx context.Context, address *url.URL) (Bus, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available under an address scheme. It panics on
// duplicate registration, like database/sql.
func Register(scheme string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if driver == nil {
		panic("bus: Register driver is nil")
	}
	if _, dup := drivers[scheme]; dup {
		panic("bus: Register called twice for scheme " + scheme)
	}
	drivers[scheme] = driver
}

// Drivers returns the registered schemes in sorted order.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	schemes := make([]string, 0, len(drivers))
	for scheme := range drivers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Open parses address ("sim://fea?modules=...") and opens it with the driver
// registered for its scheme.
func Open(ctx context.Context, address string) (Bus, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid bus address %q: %w", address, err)
	}

	driversMu.RLock()
	driver, ok := drivers[u.Scheme]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDriver, u.Scheme, Drivers())
	}

	b, err := driver(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", address, err)
	}
	return b, nil
}
