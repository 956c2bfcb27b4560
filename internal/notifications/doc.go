// Package notifications delivers run events through pluggable notifiers.
//
// Two transports are supported and may be combined: ntfy (HTTP POST of a
// human-readable message to the configured topic URL) and NATS (a JSON
// document per event on the configured subject). When neither is configured
// the service is a no-op. Publishing failures are returned to the caller, which
// logs them; they never fail a render.
package notifications
