// graphviz.go
package lattice

import (
	"fmt"

	"github.com/awalterschulze/gographviz"
)

// DOT renders the DAG reachable from g.Root() as a Graphviz document,
// the debugging companion to the fusion compiler gorgonia.org/gorgonia
// itself ships (ExprGraph.ToDot()) built on the same
// github.com/awalterschulze/gographviz library — useful here to see at
// a glance which nodes a Compile call made fusion roots (a node that
// roots a fused kernel gets its FusedKernelKey appended to its label;
// the nodes inlined into that kernel are not marked).
func (g *Graph) DOT() (string, error) {
	gv := gographviz.NewGraph()
	if err := gv.SetDir(true); err != nil {
		return "", err
	}
	if err := gv.SetName("lattice"); err != nil {
		return "", err
	}

	visited := make(map[int]bool)
	var walk func(t *Tensor) error
	walk = func(t *Tensor) error {
		if visited[t.ID()] {
			return nil
		}
		visited[t.ID()] = true

		attrs := map[string]string{
			"label": fmt.Sprintf("%q", dotLabel(g.ctx, t)),
			"shape": "box",
		}
		if err := gv.AddNode("lattice", dotNodeName(t), attrs); err != nil {
			return err
		}
		for _, opnd := range t.Op().Operands() {
			operand := t.Arena().Get(opnd)
			if err := walk(operand); err != nil {
				return err
			}
			if err := gv.AddEdge(dotNodeName(operand), dotNodeName(t), true, nil); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(g.root); err != nil {
		return "", err
	}
	return gv.String(), nil
}

func dotNodeName(t *Tensor) string { return fmt.Sprintf("n%d", t.ID()) }

// dotLabel names a node by its op and, when ctx has a fused kernel
// registered for it, the fusion key it roots.
func dotLabel(ctx *Context, t *Tensor) string {
	name := t.Name()
	if name == "" {
		name = opKernelNames[t.Op().Name()]
		if name == "" {
			name = fmt.Sprintf("op%d", t.Op().Name())
		}
	}
	label := fmt.Sprintf("%s\\n%s %v", name, t.Dtype(), t.Shape().Dims())
	if ctx != nil {
		key := FusedKernelKey(t.ID(), t.Dtype())
		if ctx.HasFusedKernel(key) {
			label += fmt.Sprintf("\\nfused:%s", key)
		}
	}
	return label
}
