// Package protocol defines the chunk ingestion wire contract: operating
// modes, request validation, and the response shapes shared by both modes.
// Protocol errors are rejected here, before any session state is touched.
package protocol
