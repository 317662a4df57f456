// Package log provides structured logging built on zerolog: a global
// Logger configured once at boot via Init, and a set of WithX helpers that
// attach a single contextual field (component, EID, modality, raft node)
// for the call sites that need it.
package log
