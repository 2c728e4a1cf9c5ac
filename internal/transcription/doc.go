// Package transcription implements the HTTP client for the speech-to-text API.
// It sends Whisper-style multipart requests carrying an audio segment,
// implements retry logic with exponential backoff, and limits concurrency.
package transcription
