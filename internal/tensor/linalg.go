package tensor

import "fmt"

// BatchMatMul multiplies (B,m,k) by (B,k,n) item by item.
func BatchMatMul(a, b *Tensor) *Tensor {
	if a.Rank() != 3 || b.Rank() != 3 || a.shape[0] != b.shape[0] || a.shape[2] != b.shape[1] {
		panic(fmt.Sprintf("tensor: BatchMatMul %v x %v", a.shape, b.shape))
	}
	bs, m, k, n := a.shape[0], a.shape[1], a.shape[2], b.shape[2]
	data := make([]float64, bs*m*n)
	for s := 0; s < bs; s++ {
		am := a.Data[s*m*k : (s+1)*m*k]
		bm := b.Data[s*k*n : (s+1)*k*n]
		om := data[s*m*n : (s+1)*m*n]
		for i := 0; i < m; i++ {
			for l := 0; l < k; l++ {
				av := am[i*k+l]
				if av == 0 {
					continue
				}
				row := bm[l*n : (l+1)*n]
				for j, bv := range row {
					om[i*n+j] += av * bv
				}
			}
		}
	}
	return result(data, []int{bs, m, n}, func(out *Tensor) {
		var ga, gb []float64
		if a.requires {
			ga = make([]float64, len(a.Data))
		}
		if b.requires {
			gb = make([]float64, len(b.Data))
		}
		for s := 0; s < bs; s++ {
			og := out.Grad[s*m*n : (s+1)*m*n]
			am := a.Data[s*m*k : (s+1)*m*k]
			bm := b.Data[s*k*n : (s+1)*k*n]
			for i := 0; i < m; i++ {
				for l := 0; l < k; l++ {
					acc := 0.0
					for j := 0; j < n; j++ {
						g := og[i*n+j]
						acc += g * bm[l*n+j]
						if gb != nil {
							gb[s*k*n+l*n+j] += am[i*k+l] * g
						}
					}
					if ga != nil {
						ga[s*m*k+i*k+l] += acc
					}
				}
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

// ChannelMix applies a per-pixel linear map: for x (B,C,H,W), weight (O,C)
// and bias (O) it returns (B,O,H,W). With H = W = 1 it is a dense layer.
func ChannelMix(x, weight, bias *Tensor) *Tensor {
	b, c, h, w := dims4(x, "ChannelMix")
	if weight.Rank() != 2 || weight.shape[1] != c || bias.Len() != weight.shape[0] {
		panic(fmt.Sprintf("tensor: ChannelMix weight %v bias %v for input %v", weight.shape, bias.shape, x.shape))
	}
	o := weight.shape[0]
	hw := h * w
	data := make([]float64, b*o*hw)
	for n := 0; n < b; n++ {
		for oc := 0; oc < o; oc++ {
			dst := data[(n*o+oc)*hw : (n*o+oc+1)*hw]
			for i := range dst {
				dst[i] = bias.Data[oc]
			}
			for ic := 0; ic < c; ic++ {
				wv := weight.Data[oc*c+ic]
				src := x.Data[(n*c+ic)*hw : (n*c+ic+1)*hw]
				for i, v := range src {
					dst[i] += wv * v
				}
			}
		}
	}
	return result(data, []int{b, o, h, w}, func(out *Tensor) {
		var gx, gw, gbias []float64
		if x.requires {
			gx = make([]float64, len(x.Data))
		}
		if weight.requires {
			gw = make([]float64, len(weight.Data))
		}
		if bias.requires {
			gbias = make([]float64, len(bias.Data))
		}
		for n := 0; n < b; n++ {
			for oc := 0; oc < o; oc++ {
				og := out.Grad[(n*o+oc)*hw : (n*o+oc+1)*hw]
				if gbias != nil {
					for _, g := range og {
						gbias[oc] += g
					}
				}
				for ic := 0; ic < c; ic++ {
					src := x.Data[(n*c+ic)*hw : (n*c+ic+1)*hw]
					wv := weight.Data[oc*c+ic]
					acc := 0.0
					for i, g := range og {
						acc += g * src[i]
						if gx != nil {
							gx[(n*c+ic)*hw+i] += g * wv
						}
					}
					if gw != nil {
						gw[oc*c+ic] += acc
					}
				}
			}
		}
		if gx != nil {
			accumulate(x, gx)
		}
		if gw != nil {
			accumulate(weight, gw)
		}
		if gbias != nil {
			accumulate(bias, gbias)
		}
	}, x, weight, bias)
}

// Custom builds an op from precomputed values and a vector-Jacobian product.
// vjp receives the output gradient and returns one gradient per input (nil
// entries are skipped).
func Custom(data []float64, shape []int, vjp func(grad []float64) [][]float64, inputs ...*Tensor) *Tensor {
	return result(data, append([]int(nil), shape...), func(out *Tensor) {
		grads := vjp(out.Grad)
		for i, in := range inputs {
			if i < len(grads) && grads[i] != nil {
				accumulate(in, grads[i])
			}
		}
	}, inputs...)
}
