// Package vad provides speech-activity classification for audio frames.
// It defines the Classifier interface consumed by the segmentation engine
// and ships a pure-Go RMS energy implementation; model-backed classifiers
// (e.g. Silero over ONNX) plug in behind the same interface.
package vad
