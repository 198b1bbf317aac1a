package tensor

import (
	"fmt"
	"math"
)

// broadcastShape returns the output shape for a binary op over a and b.
// Both must have the same rank and every axis must match or be 1.
func broadcastShape(a, b []int) []int {
	if len(a) != len(b) {
		panic(fmt.Sprintf("tensor: cannot broadcast %v with %v", a, b))
	}
	out := make([]int, len(a))
	for i := range a {
		switch {
		case a[i] == b[i]:
			out[i] = a[i]
		case a[i] == 1:
			out[i] = b[i]
		case b[i] == 1:
			out[i] = a[i]
		default:
			panic(fmt.Sprintf("tensor: cannot broadcast %v with %v", a, b))
		}
	}
	return out
}

// broadcastIndex maps every flat index of out to the flat index of in.
func broadcastIndex(out, in []int) []int {
	n := numel(out)
	idx := make([]int, n)
	if sameShape(out, in) {
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	strides := make([]int, len(in))
	s := 1
	for i := len(in) - 1; i >= 0; i-- {
		if in[i] == 1 {
			strides[i] = 0
		} else {
			strides[i] = s
		}
		s *= in[i]
	}
	coord := make([]int, len(out))
	for i := 0; i < n; i++ {
		off := 0
		for d := range coord {
			off += coord[d] * strides[d]
		}
		idx[i] = off
		for d := len(coord) - 1; d >= 0; d-- {
			coord[d]++
			if coord[d] < out[d] {
				break
			}
			coord[d] = 0
		}
	}
	return idx
}

type binaryFn struct {
	f  func(a, b float64) float64
	da func(a, b, out float64) float64
	db func(a, b, out float64) float64
}

func binary(a, b *Tensor, fn binaryFn) *Tensor {
	shape := broadcastShape(a.shape, b.shape)
	ia := broadcastIndex(shape, a.shape)
	ib := broadcastIndex(shape, b.shape)
	data := make([]float64, numel(shape))
	for i := range data {
		data[i] = fn.f(a.Data[ia[i]], b.Data[ib[i]])
	}
	return result(data, shape, func(out *Tensor) {
		var ga, gb []float64
		if a.requires {
			ga = make([]float64, len(a.Data))
		}
		if b.requires {
			gb = make([]float64, len(b.Data))
		}
		for i, g := range out.Grad {
			if g == 0 {
				continue
			}
			av, bv := a.Data[ia[i]], b.Data[ib[i]]
			if ga != nil {
				ga[ia[i]] += g * fn.da(av, bv, out.Data[i])
			}
			if gb != nil {
				gb[ib[i]] += g * fn.db(av, bv, out.Data[i])
			}
		}
		if ga != nil {
			accumulate(a, ga)
		}
		if gb != nil {
			accumulate(b, gb)
		}
	}, a, b)
}

// Add returns a + b with broadcasting.
func Add(a, b *Tensor) *Tensor {
	return binary(a, b, binaryFn{
		f:  func(x, y float64) float64 { return x + y },
		da: func(_, _, _ float64) float64 { return 1 },
		db: func(_, _, _ float64) float64 { return 1 },
	})
}

// Sub returns a - b with broadcasting.
func Sub(a, b *Tensor) *Tensor {
	return binary(a, b, binaryFn{
		f:  func(x, y float64) float64 { return x - y },
		da: func(_, _, _ float64) float64 { return 1 },
		db: func(_, _, _ float64) float64 { return -1 },
	})
}

// Mul returns a * b with broadcasting.
func Mul(a, b *Tensor) *Tensor {
	return binary(a, b, binaryFn{
		f:  func(x, y float64) float64 { return x * y },
		da: func(_, y, _ float64) float64 { return y },
		db: func(x, _, _ float64) float64 { return x },
	})
}

// Div returns a / b with broadcasting. Callers guard b against zero.
func Div(a, b *Tensor) *Tensor {
	return binary(a, b, binaryFn{
		f:  func(x, y float64) float64 { return x / y },
		da: func(_, y, _ float64) float64 { return 1 / y },
		db: func(x, y, _ float64) float64 { return -x / (y * y) },
	})
}

type unaryFn struct {
	f  func(x float64) float64
	df func(x, out float64) float64
}

func unary(a *Tensor, fn unaryFn) *Tensor {
	data := make([]float64, len(a.Data))
	for i, v := range a.Data {
		data[i] = fn.f(v)
	}
	return result(data, a.Shape(), func(out *Tensor) {
		g := make([]float64, len(a.Data))
		for i, og := range out.Grad {
			if og != 0 {
				g[i] = og * fn.df(a.Data[i], out.Data[i])
			}
		}
		accumulate(a, g)
	}, a)
}

// AddScalar returns a + c.
func AddScalar(a *Tensor, c float64) *Tensor {
	return unary(a, unaryFn{
		f:  func(x float64) float64 { return x + c },
		df: func(_, _ float64) float64 { return 1 },
	})
}

// MulScalar returns a * c.
func MulScalar(a *Tensor, c float64) *Tensor {
	return unary(a, unaryFn{
		f:  func(x float64) float64 { return x * c },
		df: func(_, _ float64) float64 { return c },
	})
}

// Abs returns |a|; the subgradient at zero is zero.
func Abs(a *Tensor) *Tensor {
	return unary(a, unaryFn{
		f: math.Abs,
		df: func(x, _ float64) float64 {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return -1
			}
			return 0
		},
	})
}

// Exp returns e^a.
func Exp(a *Tensor) *Tensor {
	return unary(a, unaryFn{
		f:  math.Exp,
		df: func(_, out float64) float64 { return out },
	})
}

// Log returns ln(a) clamped below at -100, matching binary cross-entropy.
func Log(a *Tensor) *Tensor {
	return unary(a, unaryFn{
		f: func(x float64) float64 {
			if x <= 0 {
				return -100
			}
			return math.Max(math.Log(x), -100)
		},
		df: func(x, out float64) float64 {
			if out <= -100 {
				return 0
			}
			return 1 / x
		},
	})
}

// Sigmoid returns 1/(1+e^-a).
func Sigmoid(a *Tensor) *Tensor {
	return unary(a, unaryFn{
		f:  func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		df: func(_, out float64) float64 { return out * (1 - out) },
	})
}

// Reciprocal returns 1/a.
func Reciprocal(a *Tensor) *Tensor {
	return unary(a, unaryFn{
		f:  func(x float64) float64 { return 1 / x },
		df: func(_, out float64) float64 { return -out * out },
	})
}

// Clamp limits a to [lo, hi]; gradients pass only inside the interval.
func Clamp(a *Tensor, lo, hi float64) *Tensor {
	return unary(a, unaryFn{
		f: func(x float64) float64 { return math.Min(math.Max(x, lo), hi) },
		df: func(x, _ float64) float64 {
			if x < lo || x > hi {
				return 0
			}
			return 1
		},
	})
}
