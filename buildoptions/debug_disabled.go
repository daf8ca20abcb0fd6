//go:build !rivet_debug
// +build !rivet_debug

package buildoptions

// IsDebugMode gates verbose IR and host-code dumps during translation.
// Build with -tags rivet_debug to enable.
const IsDebugMode = false
