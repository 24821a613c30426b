// Package directory defines the boundary to the remote key directory: the
// service that stores each device's published identity key, signed prekey,
// and one-time prekey pool, and serves prekey bundles to peers that want to
// start sessions.
//
// The engine only ever talks to the Directory interface. MemoryDirectory is a
// complete in-process implementation used by tests and loopback deployments;
// a production build supplies an implementation backed by the real service.
package directory
