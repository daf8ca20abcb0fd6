// Package buildoptions holds compile-time switches for development builds.
package buildoptions

const (
	// CodeBufferSize is the size of the shared JIT code buffer.
	CodeBufferSize = 16 * 1024 * 1024
	// MinCodeBufRemaining is the headroom required before starting a new
	// translation; below it the engine flushes the buffer.
	MinCodeBufRemaining = 4096
	// MaxTranslationBlocks bounds the TB store.
	MaxTranslationBlocks = 65536
)
