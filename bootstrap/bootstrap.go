// Package bootstrap concretizes the platform bootstrap service: a name
// registry mapping a printable service name to a rendezvous address. On
// this substrate there is no separate registry daemon to check in with;
// a service name maps deterministically to an abstract-namespace socket
// address, so "check in" is just opening the receive port at that
// address and "lookup" is resolving the same deterministic name.
package bootstrap

import (
	"fmt"

	"github.com/capfabric/capfabric/wire"
)

const namePrefix = "capfabric."

// CheckIn opens and returns a receive port bound to name's deterministic
// bootstrap address. Only one process may hold it at a time; a second
// check-in for the same name fails with an address-in-use error from
// the underlying socket bind.
func CheckIn(name string) (*wire.Port, error) {
	if name == "" {
		return nil, fmt.Errorf("bootstrap: empty service name")
	}
	return wire.Listen(namePrefix + name)
}

// Lookup resolves name to the address a client should send to. It does
// not verify a service is actually listening; use a DeathWatcher or the
// connect handshake to discover that.
func Lookup(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("bootstrap: empty service name")
	}
	return namePrefix + name, nil
}
