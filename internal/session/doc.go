// Package session provides session registration and lifecycle handling.
// It maps opaque session ids to per-session segmentation state, serializes
// chunk processing within a session while keeping sessions independent,
// and reclaims abandoned or idle sessions.
package session
