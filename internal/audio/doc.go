// Package audio handles audio decoding and format conversion.
// It implements PCM normalization with optional gain, sample-rate
// conversion for classifier input, and WAV encoding for transcription.
package audio
