package ir

import (
	"fmt"
	"strings"
)

// Format renders the context's op list as readable text, one op per line.
// Intended for debug logging.
func (c *Context) Format() string {
	var sb strings.Builder
	for i := range c.ops {
		op := &c.ops[i]
		sb.WriteString(c.formatOp(op))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (c *Context) formatOp(op *Op) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-14s", op.Opc.String())
	if op.Opc.IsIntPolymorphic() {
		fmt.Fprintf(&sb, " %s", op.Ty)
	}
	sep := " "
	for _, a := range op.OArgs() {
		fmt.Fprintf(&sb, "%s%s", sep, c.tempName(a))
		sep = ", "
	}
	for _, a := range op.IArgs() {
		fmt.Fprintf(&sb, "%s%s", sep, c.tempName(a))
		sep = ", "
	}
	for _, a := range op.CArgs() {
		fmt.Fprintf(&sb, "%s$0x%x", sep, uint32(a))
		sep = ", "
	}
	return sb.String()
}

func (c *Context) tempName(idx TempIdx) string {
	if int(idx) >= len(c.temps) {
		return fmt.Sprintf("arg%d", idx)
	}
	t := &c.temps[idx]
	switch {
	case t.Name != "":
		return t.Name
	case t.IsConst():
		return fmt.Sprintf("$0x%x", t.Val)
	default:
		return fmt.Sprintf("tmp%d", idx)
	}
}
