package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Sum returns the scalar sum of all elements.
func Sum(a *Tensor) *Tensor {
	return result([]float64{floats.Sum(a.Data)}, []int{1}, func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for i := range g {
			g[i] = out.Grad[0]
		}
		accumulate(a, g)
	}, a)
}

// Mean returns the scalar mean of all elements.
func Mean(a *Tensor) *Tensor {
	n := float64(len(a.Data))
	return result([]float64{floats.Sum(a.Data) / n}, []int{1}, func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for i := range g {
			g[i] = out.Grad[0] / n
		}
		accumulate(a, g)
	}, a)
}

// MeanAxes averages over the listed axes, keeping them with size 1.
func MeanAxes(a *Tensor, axes ...int) *Tensor {
	shape := a.Shape()
	count := 1
	for _, ax := range axes {
		count *= shape[ax]
		shape[ax] = 1
	}
	idx := broadcastIndex(a.shape, shape)
	data := make([]float64, numel(shape))
	for i, v := range a.Data {
		data[idx[i]] += v
	}
	inv := 1 / float64(count)
	floats.Scale(inv, data)
	return result(data, shape, func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for i := range g {
			g[i] = out.Grad[idx[i]] * inv
		}
		accumulate(a, g)
	}, a)
}

// Reshape returns a view of a with a new shape holding the same element count.
func Reshape(a *Tensor, shape ...int) *Tensor {
	if numel(shape) != len(a.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", a.shape, shape))
	}
	return result(a.Data, append([]int(nil), shape...), func(out *Tensor) {
		accumulate(a, out.Grad)
	}, a)
}

// split returns the sizes before, at, and after axis.
func split(shape []int, axis int) (outer, dim, inner int) {
	outer, inner = 1, 1
	for i, d := range shape {
		switch {
		case i < axis:
			outer *= d
		case i > axis:
			inner *= d
		}
	}
	return outer, shape[axis], inner
}

// Slice keeps indices [from, to) along axis.
func Slice(a *Tensor, axis, from, to int) *Tensor {
	outer, dim, inner := split(a.shape, axis)
	if from < 0 || to > dim || from >= to {
		panic(fmt.Sprintf("tensor: slice [%d,%d) of axis %d in %v", from, to, axis, a.shape))
	}
	width := to - from
	shape := a.Shape()
	shape[axis] = width
	data := make([]float64, outer*width*inner)
	for o := 0; o < outer; o++ {
		src := a.Data[(o*dim+from)*inner : (o*dim+to)*inner]
		copy(data[o*width*inner:], src)
	}
	return result(data, shape, func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for o := 0; o < outer; o++ {
			copy(g[(o*dim+from)*inner:(o*dim+to)*inner], out.Grad[o*width*inner:(o+1)*width*inner])
		}
		accumulate(a, g)
	}, a)
}

// Concat joins tensors along axis; all other axes must agree.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 1 {
		return ts[0]
	}
	shape := ts[0].Shape()
	total := 0
	for _, t := range ts {
		s := t.Shape()
		total += s[axis]
		s[axis] = shape[axis]
		if !sameShape(s, shape) {
			panic(fmt.Sprintf("tensor: concat %v with %v on axis %d", ts[0].shape, t.shape, axis))
		}
	}
	shape[axis] = total
	outer, _, inner := split(shape, axis)
	data := make([]float64, numel(shape))
	offsets := make([]int, len(ts))
	pos := 0
	for i, t := range ts {
		offsets[i] = pos
		pos += t.shape[axis]
	}
	for i, t := range ts {
		w := t.shape[axis]
		for o := 0; o < outer; o++ {
			copy(data[(o*total+offsets[i])*inner:], t.Data[o*w*inner:(o+1)*w*inner])
		}
	}
	return result(data, shape, func(out *Tensor) {
		for i, t := range ts {
			if !t.requires {
				continue
			}
			w := t.shape[axis]
			g := make([]float64, len(t.Data))
			for o := 0; o < outer; o++ {
				copy(g[o*w*inner:(o+1)*w*inner], out.Grad[(o*total+offsets[i])*inner:(o*total+offsets[i]+w)*inner])
			}
			accumulate(t, g)
		}
	}, ts...)
}

// MinAxis1 takes the minimum over axis 1 of a (B,C,H,W) tensor. It returns
// the (B,1,H,W) minimum and, per output element, the winning channel. Ties
// resolve to the lowest channel.
func MinAxis1(a *Tensor) (*Tensor, []int) {
	if a.Rank() != 4 {
		panic(fmt.Sprintf("tensor: MinAxis1 on shape %v", a.shape))
	}
	b, c, hw := a.shape[0], a.shape[1], a.shape[2]*a.shape[3]
	data := make([]float64, b*hw)
	arg := make([]int, b*hw)
	for n := 0; n < b; n++ {
		for p := 0; p < hw; p++ {
			best := a.Data[n*c*hw+p]
			k := 0
			for ch := 1; ch < c; ch++ {
				if v := a.Data[(n*c+ch)*hw+p]; v < best {
					best, k = v, ch
				}
			}
			data[n*hw+p] = best
			arg[n*hw+p] = k
		}
	}
	out := result(data, []int{b, 1, a.shape[2], a.shape[3]}, func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for n := 0; n < b; n++ {
			for p := 0; p < hw; p++ {
				g[(n*c+arg[n*hw+p])*hw+p] = out.Grad[n*hw+p]
			}
		}
		accumulate(a, g)
	}, a)
	return out, arg
}
