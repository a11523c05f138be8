package domain

import "strings"

// IRNode is one node of the intermediate representation tree.
// A node without arguments is a leaf and renders as its Op alone.
type IRNode struct {
	Op   string    `json:"op"`
	Args []*IRNode `json:"args,omitempty"`
}

// String renders the tree in the bracketed textual form, e.g. [seq, [mstore, 0, 1]].
func (n *IRNode) String() string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	n.render(&b)
	return b.String()
}

func (n *IRNode) render(b *strings.Builder) {
	if len(n.Args) == 0 {
		b.WriteString(n.Op)
		return
	}
	b.WriteByte('[')
	b.WriteString(n.Op)
	for _, arg := range n.Args {
		b.WriteString(", ")
		arg.render(b)
	}
	b.WriteByte(']')
}
