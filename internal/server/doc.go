// Package server implements the HTTP API for session lifecycle and chunk
// ingestion, along with monitoring and management endpoints.
package server
