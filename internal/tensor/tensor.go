package tensor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ErrNotScalar is returned by Backward when called on a non-scalar tensor.
var ErrNotScalar = errors.New("tensor: backward requires a scalar")

// Tensor is a dense row-major float64 array that records the operations
// producing it so gradients can be propagated back to its inputs.
type Tensor struct {
	Name string
	Data []float64
	Grad []float64

	shape    []int
	requires bool
	parents  []*Tensor
	backward func()
}

// New wraps data as a constant tensor of the given shape.
func New(data []float64, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fit shape %v", len(data), shape))
	}
	return &Tensor{Data: data, shape: append([]int(nil), shape...)}
}

// Zeros returns a constant zero tensor.
func Zeros(shape ...int) *Tensor {
	return New(make([]float64, numel(shape)), shape...)
}

// Full returns a constant tensor filled with v.
func Full(v float64, shape ...int) *Tensor {
	data := make([]float64, numel(shape))
	for i := range data {
		data[i] = v
	}
	return New(data, shape...)
}

// Param wraps data as a leaf that accumulates gradients.
func Param(data []float64, shape ...int) *Tensor {
	t := New(data, shape...)
	t.requires = true
	t.Grad = make([]float64, len(data))
	return t
}

// Shape returns a copy of the tensor shape.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// RequiresGrad reports whether gradients flow into t.
func (t *Tensor) RequiresGrad() bool { return t.requires }

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("tensor: Item on shape %v", t.shape))
	}
	return t.Data[0]
}

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float64 {
	return t.Data[t.offset(idx)]
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index %v for shape %v", idx, t.shape))
	}
	off := 0
	for i, v := range idx {
		off = off*t.shape[i] + v
	}
	return off
}

// Detach returns a constant tensor sharing t's values.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{Name: t.Name, Data: t.Data, shape: t.shape}
}

// Clone returns a constant deep copy of t.
func (t *Tensor) Clone() *Tensor {
	return New(append([]float64(nil), t.Data...), t.shape...)
}

// ZeroGrad clears the accumulated gradient of a parameter.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Backward propagates d(t)/d(x) into every parameter x reachable from t.
func (t *Tensor) Backward() error {
	if len(t.Data) != 1 {
		return fmt.Errorf("%w: shape %v", ErrNotScalar, t.shape)
	}
	if !t.requires {
		return nil
	}

	visited := make(map[*Tensor]bool)
	var topo []*Tensor
	var build func(n *Tensor)
	build = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, p := range n.parents {
			if p.requires {
				build(p)
			}
		}
		topo = append(topo, n)
	}
	build(t)

	for _, n := range topo {
		if n.backward != nil && n.Grad == nil {
			n.Grad = make([]float64, len(n.Data))
		}
	}
	t.Grad[0] += 1
	for i := len(topo) - 1; i >= 0; i-- {
		if n := topo[i]; n.backward != nil {
			n.backward()
		}
	}
	// release interior gradients so repeated passes start clean
	for _, n := range topo {
		if n.backward != nil {
			n.Grad = nil
		}
	}
	return nil
}

// result builds an op output. backward is installed only when one of the
// parents requires gradients.
func result(data []float64, shape []int, backward func(out *Tensor), parents ...*Tensor) *Tensor {
	out := &Tensor{Data: data, shape: shape}
	for _, p := range parents {
		if p.requires {
			out.requires = true
			break
		}
	}
	if out.requires {
		out.parents = parents
		out.backward = func() { backward(out) }
	}
	return out
}

// accumulate adds g into p's gradient when p tracks one.
func accumulate(p *Tensor, g []float64) {
	if !p.requires {
		return
	}
	if p.Grad == nil {
		p.Grad = make([]float64, len(p.Data))
	}
	floats.Add(p.Grad, g)
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
