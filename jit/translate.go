// Package jit is the backend of the translator: the single-pass IR
// optimizer, backward liveness analysis, the constraint-driven register
// allocator fused with x86-64 code emission, and the executable code
// buffer the generated blocks live in.
package jit

import (
	"fmt"

	"github.com/rivetvm/rivet/buildoptions"
	"github.com/rivetvm/rivet/ir"
)

// Translate runs the backend pipeline over a built-up IR context:
// optimize, liveness, then fused register allocation and code emission.
// Returns the buffer offset where the TB's host code starts.
func Translate(ctx *ir.Context, be *Backend, buf *CodeBuffer) int {
	Optimize(ctx)
	LivenessAnalysis(ctx)
	if buildoptions.IsDebugMode {
		fmt.Printf("translation target IR:\n%s", ctx.Format())
	}
	tbStart := buf.Offset()
	be.ClearGotoTBSites()
	RegallocAndCodegen(ctx, be, buf)
	return tbStart
}
