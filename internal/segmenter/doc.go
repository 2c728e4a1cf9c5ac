// Package segmenter implements the per-session speech-endpoint state
// machine: utterance onset detection, debounced silence-based endings with
// zero-frame gap padding, and abandonment of sessions that never speak.
package segmenter
