package jit

import "github.com/rivetvm/rivet/ir"

// LivenessAnalysis stamps every op argument with dead/sync bits in one
// backward pass.
//
// A temp is live when a later op reads it. Globals are additionally forced
// live at every basic-block end, since their values must reach CPU-state
// memory there. An input that is the last use of a global also gets the
// sync bit: the allocator writes the register back before freeing it.
func LivenessAnalysis(ctx *ir.Context) {
	nbTemps := int(ctx.NbTemps())
	nbGlobals := int(ctx.NbGlobals())

	alive := make([]bool, nbTemps)
	for i := 0; i < nbGlobals; i++ {
		alive[i] = true
	}

	ops := ctx.Ops()
	for oi := len(ops) - 1; oi >= 0; oi-- {
		op := &ops[oi]
		def := op.Opc.Def()

		if def.Flags.Has(ir.OpFlagBBEnd) {
			for i := 0; i < nbGlobals; i++ {
				alive[i] = true
			}
		}

		if op.Opc == ir.OpNop || op.Opc == ir.OpInsnStart {
			continue
		}

		var life ir.LifeData
		nbOArgs := int(def.NbOArgs)
		nbIArgs := int(def.NbIArgs)

		for i := 0; i < nbOArgs; i++ {
			t := int(op.Args[i])
			if t >= nbTemps {
				continue
			}
			if !alive[t] {
				life.SetDead(i)
			}
			alive[t] = false
		}

		for i := 0; i < nbIArgs; i++ {
			pos := nbOArgs + i
			t := int(op.Args[pos])
			if t >= nbTemps {
				continue
			}
			if !alive[t] {
				life.SetDead(pos)
				if ctx.Temp(ir.TempIdx(t)).Kind == ir.TempGlobal {
					life.SetSync(pos)
				}
			}
			alive[t] = true
		}

		op.Life = life
	}
}
