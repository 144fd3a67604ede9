// Package notifications delivers run events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when no topic is set.
// Per-event toggles in the notifications section suppress individual event
// classes (run lifecycle, orphan reports, failures) without disabling the
// service, so run code can always call the Service without checking config.
//
// Extend this package if you need alternative transports; all run code
// depends only on the simple Service interface.
package notifications
