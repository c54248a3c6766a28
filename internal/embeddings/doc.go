// Package embeddings computes text embeddings for semantic activation
// detection.
//
// Two providers are supported: a remote Text Embeddings Inference (TEI)
// service and FastEmbed, which runs ONNX models in-process and needs cgo.
// NewProvider wraps either in an LRU cache, since learning insights are
// embedded on every pass that considers them.
package embeddings
