// graph.go
package lattice

// Graph is (root: Tensor handle) plus the Context it runs against: it
// does not own Tensors, only references them through ids into the arena
// the enclosing Context's collaborators allocate into. A Graph instance
// is not safe for concurrent Forward/Backward calls from multiple
// goroutines; the scheduling model is single-threaded cooperative on the
// host.
type Graph struct {
	root *Tensor
	ctx  *Context
}

// NewGraph roots a Graph at root, to be compiled/run against ctx.
func NewGraph(ctx *Context, root *Tensor) *Graph {
	return &Graph{root: root, ctx: ctx}
}

// Root returns the Tensor this Graph is rooted at.
func (g *Graph) Root() *Tensor { return g.root }

// Compile walks the DAG rooted at g.root and registers one fused kernel
// per maximal fusable subgraph. Compile-time errors (a fused kernel
// failing to register/compile) abort Compile; any kernels already
// registered before the failing one stay registered in the Context, and
// a later Forward dispatches them.
func (g *Graph) Compile() error {
	fc := &fusionCompiler{ctx: g.ctx}
	return fc.Compile(g.root)
}

// Forward executes every kernel needed to materialize g.root, reusing
// fused kernels registered by a prior Compile. Runtime errors abort
// Forward and leave output buffers in an undefined state; the Graph may
// be re-invoked after the offending input is corrected.
func (g *Graph) Forward() error {
	e := &executor{ctx: g.ctx}
	return e.Forward(g.root)
}

// Backward runs the reverse-mode pass from g.root, requiring
// g.root.Numel() == 1. Forward must have already run.
func (g *Graph) Backward() error {
	return Backward(g.root)
}
