// Package app contains the session coordinator: the single state machine that ties key generation,
// discovery, relay connection, key exchange and secure chat together.
//
// Responsibilities:
// - Own the phase and publish immutable snapshots to observers.
// - Drive the identity, transport, crypto and storage components in response to commands and events.
// - Classify errors into the UI-facing taxonomy.
//
// Non-responsibilities:
// - Rendering, terminal interaction and process wiring (see cmd/fusion-node).
package app
