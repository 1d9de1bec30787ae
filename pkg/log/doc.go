// Package log provides structured logging shared by all three engines
// (lock, queue, cache) built on top of zerolog.
//
// Init must be called once at process startup before any other package
// logs. Component loggers (WithRole, WithPeerID, WithResource, ...) attach
// a single contextual field and are cheap to create per request.
package log
