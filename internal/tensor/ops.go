package tensor

import (
	"math"

	"gorgonia.org/vecf32"
)

// --- Linear algebra ---

// Linear: y = x @ W^T + b, x: [..., in], W: [out, in], b: [out] → [..., out].
// A 1×1 conv weight [out, in, 1, 1] is accepted as well.
func Linear(x, weight, bias *Tensor) *Tensor {
	inDim := x.Shape[len(x.Shape)-1]
	outDim := weight.Shape[0]
	rows := len(x.Data) / inDim
	shape := append(append([]int{}, x.Shape[:len(x.Shape)-1]...), outDim)
	out := New(shape...)

	parallelFor(outDim, func(lo, hi int) {
		for o := lo; o < hi; o++ {
			w := weight.Data[o*inDim : (o+1)*inDim]
			var b float32
			if bias != nil {
				b = bias.Data[o]
			}
			for r := 0; r < rows; r++ {
				xr := x.Data[r*inDim : (r+1)*inDim]
				sum := b
				for i, v := range xr {
					sum += v * w[i]
				}
				out.Data[r*outDim+o] = sum
			}
		}
	})
	return out
}

// MatMulNT: a [M,K] @ b[N,K]^T → [M,N]
func MatMulNT(a, b *Tensor) *Tensor {
	M, K := a.Shape[0], a.Shape[1]
	N := b.Shape[0]
	out := New(M, N)
	parallelFor(M, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			ar := a.Data[i*K : (i+1)*K]
			for j := 0; j < N; j++ {
				br := b.Data[j*K : (j+1)*K]
				sum := float32(0)
				for k, v := range ar {
					sum += v * br[k]
				}
				out.Data[i*N+j] = sum
			}
		}
	})
	return out
}

// MatMul: a [M,K] @ b [K,N] → [M,N]
func MatMul(a, b *Tensor) *Tensor {
	M, K := a.Shape[0], a.Shape[1]
	N := b.Shape[1]
	out := New(M, N)
	parallelFor(M, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst := out.Data[i*N : (i+1)*N]
			for k := 0; k < K; k++ {
				av := a.Data[i*K+k]
				if av == 0 {
					continue
				}
				br := b.Data[k*N : (k+1)*N]
				for j, v := range br {
					dst[j] += av * v
				}
			}
		}
	})
	return out
}

// Transpose2D: [M,N] → [N,M]
func Transpose2D(x *Tensor) *Tensor {
	M, N := x.Shape[0], x.Shape[1]
	out := New(N, M)
	for i := 0; i < M; i++ {
		for j := 0; j < N; j++ {
			out.Data[j*M+i] = x.Data[i*N+j]
		}
	}
	return out
}

// --- Convolution ---

// Padding is per-side zero padding for Conv2dPadded.
type Padding struct {
	Top, Bottom, Left, Right int
}

// Pad is symmetric padding p on every side.
func Pad(p int) Padding { return Padding{p, p, p, p} }

// Conv2d: input [N,Cin,H,W], weight [Cout,Cin,kH,kW], bias [Cout], stride, padding
func Conv2d(input, weight, bias *Tensor, stride, padding int) *Tensor {
	return Conv2dPadded(input, weight, bias, stride, Pad(padding))
}

// Conv2dPadded is Conv2d with asymmetric padding. The VAE encoder pads only
// the bottom and right edges before its stride-2 downsampling.
func Conv2dPadded(input, weight, bias *Tensor, stride int, p Padding) *Tensor {
	N := input.Shape[0]
	Cin := input.Shape[1]
	Hin := input.Shape[2]
	Win := input.Shape[3]
	Cout := weight.Shape[0]
	kH := weight.Shape[2]
	kW := weight.Shape[3]
	Hout := (Hin+p.Top+p.Bottom-kH)/stride + 1
	Wout := (Win+p.Left+p.Right-kW)/stride + 1
	plane := Hout * Wout

	out := New(N, Cout, Hout, Wout)

	parallelFor(N*Cout, func(lo, hi int) {
		for job := lo; job < hi; job++ {
			n, co := job/Cout, job%Cout
			dst := out.Data[job*plane : (job+1)*plane]
			if bias != nil {
				b := bias.Data[co]
				for i := range dst {
					dst[i] = b
				}
			}
			for ci := 0; ci < Cin; ci++ {
				src := input.Data[(n*Cin+ci)*Hin*Win : (n*Cin+ci+1)*Hin*Win]
				for kh := 0; kh < kH; kh++ {
					for kw := 0; kw < kW; kw++ {
						wv := weight.Data[((co*Cin+ci)*kH+kh)*kW+kw]
						if wv == 0 {
							continue
						}
						for oh := 0; oh < Hout; oh++ {
							ih := oh*stride - p.Top + kh
							if ih < 0 || ih >= Hin {
								continue
							}
							row := src[ih*Win : (ih+1)*Win]
							drow := dst[oh*Wout : (oh+1)*Wout]
							for ow := range drow {
								iw := ow*stride - p.Left + kw
								if iw >= 0 && iw < Win {
									drow[ow] += wv * row[iw]
								}
							}
						}
					}
				}
			}
		}
	})
	return out
}

// Conv1d: input [N,Cin,L] or [Cin,L], weight [Cout,Cin,K], stride 1, symmetric padding.
func Conv1d(input, weight, bias *Tensor, padding int) *Tensor {
	batched := input.Dims() == 3
	x := input
	if !batched {
		x = Unsqueeze(input)
	}
	N, Cin, L := x.Shape[0], x.Shape[1], x.Shape[2]
	Cout, K := weight.Shape[0], weight.Shape[2]
	x4 := From(x.Data, []int{N, Cin, 1, L})
	w4 := From(weight.Data, []int{Cout, Cin, 1, K})
	y := Conv2dPadded(x4, w4, bias, 1, Padding{Left: padding, Right: padding})
	Lout := y.Shape[3]
	if batched {
		return From(y.Data, []int{N, Cout, Lout})
	}
	return From(y.Data, []int{Cout, Lout})
}

// AdaptiveAvgPool1d averages the last dimension into outSize bins, using the
// same bin edges as torch: [floor(i*L/out), ceil((i+1)*L/out)).
func AdaptiveAvgPool1d(x *Tensor, outSize int) *Tensor {
	L := x.Shape[len(x.Shape)-1]
	rows := len(x.Data) / L
	shape := append(append([]int{}, x.Shape[:len(x.Shape)-1]...), outSize)
	out := New(shape...)
	for r := 0; r < rows; r++ {
		src := x.Data[r*L : (r+1)*L]
		for i := 0; i < outSize; i++ {
			start := i * L / outSize
			end := ((i+1)*L + outSize - 1) / outSize
			sum := float64(0)
			for _, v := range src[start:end] {
				sum += float64(v)
			}
			out.Data[r*outSize+i] = float32(sum / float64(end-start))
		}
	}
	return out
}

// --- Normalization ---

// GroupNorm: x [N,C,...], weight [C], bias [C], num_groups, eps
func GroupNorm(x, weight, bias *Tensor, numGroups int, eps float32) *Tensor {
	N := x.Shape[0]
	C := x.Shape[1]
	spatial := len(x.Data) / (N * C)
	groupSize := C / numGroups
	out := New(x.Shape...)

	parallelFor(N*numGroups, func(lo, hi int) {
		for job := lo; job < hi; job++ {
			n, g := job/numGroups, job%numGroups
			start := (n*C + g*groupSize) * spatial
			end := start + groupSize*spatial
			src := x.Data[start:end]

			mean := float64(0)
			for _, v := range src {
				mean += float64(v)
			}
			mean /= float64(len(src))
			variance := float64(0)
			for _, v := range src {
				d := float64(v) - mean
				variance += d * d
			}
			variance /= float64(len(src))
			invStd := float32(1.0 / math.Sqrt(variance+float64(eps)))
			m := float32(mean)

			for i, v := range src {
				y := (v - m) * invStd
				if weight != nil {
					c := g*groupSize + i/spatial
					y = y*weight.Data[c] + bias.Data[c]
				}
				out.Data[start+i] = y
			}
		}
	})
	return out
}

// LayerNorm over the last dimension: x [..., dim], weight [dim], bias [dim], eps
func LayerNorm(x, weight, bias *Tensor, eps float32) *Tensor {
	dim := x.Shape[len(x.Shape)-1]
	rows := len(x.Data) / dim
	out := New(x.Shape...)

	for b := 0; b < rows; b++ {
		src := x.Data[b*dim : (b+1)*dim]
		mean := float32(0)
		for _, v := range src {
			mean += v
		}
		mean /= float32(dim)

		variance := float32(0)
		for _, v := range src {
			d := v - mean
			variance += d * d
		}
		variance /= float32(dim)

		invStd := float32(1.0 / math.Sqrt(float64(variance+eps)))
		for i, v := range src {
			y := (v - mean) * invStd
			if weight != nil {
				y = y*weight.Data[i] + bias.Data[i]
			}
			out.Data[b*dim+i] = y
		}
	}
	return out
}

// --- Activations ---

// SiLU activation: x * sigmoid(x)
func SiLU(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = v * float32(1.0/(1.0+math.Exp(-float64(v))))
	}
	return out
}

func gelu(v float32) float32 {
	return v * float32(0.5*(1.0+math.Erf(float64(v)/math.Sqrt2)))
}

// GELU with the exact erf form.
func GELU(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = gelu(v)
	}
	return out
}

// QuickGELU: x * sigmoid(1.702 * x), used by OpenAI CLIP
func QuickGELU(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = v * float32(1.0/(1.0+math.Exp(-1.702*float64(v))))
	}
	return out
}

// GEGLU: split the last dim in half, first half * gelu(second half)
func GEGLU(x *Tensor) *Tensor {
	dim := x.Shape[len(x.Shape)-1]
	half := dim / 2
	rows := len(x.Data) / dim
	shape := append(append([]int{}, x.Shape[:len(x.Shape)-1]...), half)
	out := New(shape...)

	for b := 0; b < rows; b++ {
		for i := 0; i < half; i++ {
			hidden := x.Data[b*dim+i]
			gate := x.Data[b*dim+half+i]
			out.Data[b*half+i] = hidden * gelu(gate)
		}
	}
	return out
}

// softmaxRows normalizes each row of cols values in place.
func softmaxRows(data []float32, cols int) {
	for off := 0; off+cols <= len(data); off += cols {
		row := data[off : off+cols]
		maxVal := float32(math.Inf(-1))
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := float32(0)
		for i, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			row[i] = e
			sum += e
		}
		for i := range row {
			row[i] /= sum
		}
	}
}

// Softmax along the last dimension.
func Softmax(x *Tensor) *Tensor {
	out := x.Clone()
	softmaxRows(out.Data, x.Shape[len(x.Shape)-1])
	return out
}

// --- Elementwise ---

// Add two tensors element-wise (must have same size)
func Add(a, b *Tensor) *Tensor {
	out := a.Clone()
	vecf32.Add(out.Data, b.Data)
	return out
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) {
	vecf32.Add(dst.Data, src.Data)
}

func Sub(a, b *Tensor) *Tensor {
	out := a.Clone()
	vecf32.Sub(out.Data, b.Data)
	return out
}

// Scale tensor by scalar
func Scale(x *Tensor, s float32) *Tensor {
	out := x.Clone()
	vecf32.Scale(out.Data, s)
	return out
}

// AddScalar adds s to every element.
func AddScalar(x *Tensor, s float32) *Tensor {
	out := x.Clone()
	vecf32.Trans(out.Data, s)
	return out
}

// Axpby returns a*x + b*y.
func Axpby(a float32, x *Tensor, b float32, y *Tensor) *Tensor {
	out := x.Clone()
	vecf32.Scale(out.Data, a)
	tmp := y.Clone()
	vecf32.Scale(tmp.Data, b)
	vecf32.Add(out.Data, tmp.Data)
	return out
}

// Clamp limits every element to [lo, hi].
func Clamp(x *Tensor, lo, hi float32) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = min(max(v, lo), hi)
	}
	return out
}

// AddBroadcast adds a per-channel vector v [N, C] to x [N,C,H,W].
func AddBroadcast(x, v *Tensor) *Tensor {
	N, C := x.Shape[0], x.Shape[1]
	spatial := len(x.Data) / (N * C)
	out := x.Clone()
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			vecf32.Trans(out.Data[(n*C+c)*spatial:(n*C+c+1)*spatial], v.Data[n*C+c])
		}
	}
	return out
}

// --- Layout ---

// Upsample2x: nearest-neighbor 2x upsampling for [N,C,H,W]
func Upsample2x(x *Tensor) *Tensor {
	N, C, H, W := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := New(N, C, H*2, W*2)
	W2 := W * 2
	for nc := 0; nc < N*C; nc++ {
		src := x.Data[nc*H*W : (nc+1)*H*W]
		dst := out.Data[nc*4*H*W : (nc+1)*4*H*W]
		for h := 0; h < H; h++ {
			for w := 0; w < W; w++ {
				v := src[h*W+w]
				dst[(2*h)*W2+2*w] = v
				dst[(2*h)*W2+2*w+1] = v
				dst[(2*h+1)*W2+2*w] = v
				dst[(2*h+1)*W2+2*w+1] = v
			}
		}
	}
	return out
}

// ConcatChannels: [N,C1,H,W] + [N,C2,H,W] → [N,C1+C2,H,W]
func ConcatChannels(a, b *Tensor) *Tensor {
	N, C1, C2 := a.Shape[0], a.Shape[1], b.Shape[1]
	spatial := len(a.Data) / (N * C1)
	shape := append([]int{N, C1 + C2}, a.Shape[2:]...)
	out := New(shape...)
	for n := 0; n < N; n++ {
		dst := out.Data[n*(C1+C2)*spatial:]
		copy(dst, a.Data[n*C1*spatial:(n+1)*C1*spatial])
		copy(dst[C1*spatial:], b.Data[n*C2*spatial:(n+1)*C2*spatial])
	}
	return out
}

// ToTokens: [N,C,H,W] → [N, H*W, C]
func ToTokens(x *Tensor) *Tensor {
	N, C, H, W := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	seq := H * W
	out := New(N, seq, C)
	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			src := x.Data[(n*C+c)*seq : (n*C+c+1)*seq]
			for s, v := range src {
				out.Data[(n*seq+s)*C+c] = v
			}
		}
	}
	return out
}

// FromTokens: [N, H*W, C] → [N,C,H,W]
func FromTokens(x *Tensor, H, W int) *Tensor {
	N, C := x.Shape[0], x.Shape[2]
	seq := H * W
	out := New(N, C, H, W)
	for n := 0; n < N; n++ {
		for s := 0; s < seq; s++ {
			row := x.Data[(n*seq+s)*C : (n*seq+s+1)*C]
			for c, v := range row {
				out.Data[(n*C+c)*seq+s] = v
			}
		}
	}
	return out
}
