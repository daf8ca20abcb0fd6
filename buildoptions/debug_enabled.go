//go:build rivet_debug
// +build rivet_debug

package buildoptions

const IsDebugMode = true
