// Package talon manages a pool of client QUIC sessions:
// deduplicating concurrent connection attempts, sharing live sessions
// across compatible destinations, and migrating sessions between
// networks as the local topology changes.
//
// The entrypoint is [New], which starts a [Factory]. Callers obtain
// sessions through [Factory.Create] and open streams on the returned
// [Session]. All collaborators (resolution, certificate verification,
// network change notification, socket creation, dialing) are injected
// through [Config], with production defaults for everything that has
// a sensible one.
package talon
