// Package server is the real-time core of the GoChat relay.
//
// A Hub owns the Registry of live connections (one per user), the
// Dispatcher that persists and routes chat messages, and every running
// Session. Each Session pairs an inbound pump, which decodes client frames,
// with an outbound pump, which drains the connection's bounded queue onto
// the socket. Presence changes are broadcast as UserStatus events when a
// user's live connection appears or goes away.
//
// The package also carries the HTTP glue around the core: configuration,
// origin checks, routing and the built-in test page.
package server
