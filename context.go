// context.go
package lattice

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Context is the process-wide-but-explicitly-scoped owner of the device,
// kernel cache, and per-op pipeline catalog. Every Graph runs against
// exactly one Context; tests construct their own via NewContext so the
// backend and cache are never implicitly shared.
type Context struct {
	backend Backend
	log     zerolog.Logger

	// fusedKeys tracks which (node id, dtype) keys have been registered,
	// so Context.HasFusedKernel doesn't need to re-derive the naming
	// convention at every call site.
	fusedKeys map[string]bool

	// fusedTerminals records, per fused-kernel key, the terminal
	// Initializer node ids in the order the fusion compiler bound them
	// to input buffers 0..k-1 — exec.go needs this order to bind the
	// right Buffer to the right index at dispatch time.
	fusedTerminals map[string][]int
}

// ContextOption configures a Context at construction, the functional
// options idiom the teacher's own tests use via tensor.WithShape/
// tensor.WithBacking.
type ContextOption func(*Context)

// WithBackend overrides the default backend selection (DefaultBackend).
// Tests use this to force the CPU backend even on a Metal-capable host.
func WithBackend(b Backend) ContextOption {
	return func(c *Context) { c.backend = b }
}

// WithLogger overrides the default zerolog logger (which logs to the
// package-level global logger at Debug level).
func WithLogger(l zerolog.Logger) ContextOption {
	return func(c *Context) { c.log = l }
}

// NewContext constructs a Context, defaulting to DefaultBackend() unless
// WithBackend is given.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		log:            log.Logger,
		fusedKeys:      make(map[string]bool),
		fusedTerminals: make(map[string][]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backend == nil {
		c.backend = DefaultBackend()
	}
	c.log.Debug().Str("backend", c.backend.Name()).Msg("lattice: context constructed")
	return c
}

func (c *Context) Backend() Backend { return c.backend }

// FusedKernelKey is the cache key: the fusion root's node id plus its
// dtype, e.g. "kernel42_f32".
func FusedKernelKey(rootID int, dtype Dtype) string {
	return fmt.Sprintf("kernel%d_%s", rootID, dtype)
}

// RegisterFused compiles and registers a fused kernel, rejecting a
// duplicate key. terminals is the ordered list of terminal Initializer
// node ids the fused kernel expects at input buffers 0..k-1.
func (c *Context) RegisterFused(key string, fused *FusedKernel, terminals []int) error {
	if c.fusedKeys[key] {
		return backendErrorf(nil, "fused kernel %q already registered", key)
	}
	if err := c.backend.CompileFused(key, fused); err != nil {
		return backendErrorf(err, "compiling fused kernel %q", key)
	}
	c.fusedKeys[key] = true
	c.fusedTerminals[key] = append([]int(nil), terminals...)
	c.log.Debug().Str("key", key).Int("terminals", fused.NumInput).Msg("lattice: fused kernel registered")
	return nil
}

// HasFusedKernel reports whether key was already registered by a prior
// Graph.Compile call.
func (c *Context) HasFusedKernel(key string) bool {
	return c.fusedKeys[key]
}

// FusedTerminals returns the ordered terminal node ids registered under
// key, or nil if key is unknown.
func (c *Context) FusedTerminals(key string) []int {
	return c.fusedTerminals[key]
}
