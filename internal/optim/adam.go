package optim

import (
	"fmt"
	"math"

	"depthforge/internal/tensor"
)

// Adam implements the Adam optimiser without weight decay.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	params []*tensor.Tensor
	m      map[string][]float64
	v      map[string][]float64
	step   int
}

// NewAdam returns an optimiser over params with the usual defaults. Every
// parameter must carry a unique Name.
func NewAdam(params []*tensor.Tensor, lr float64) (*Adam, error) {
	a := &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make(map[string][]float64),
		v:     make(map[string][]float64),
	}
	for _, p := range params {
		if p.Name == "" {
			return nil, fmt.Errorf("optim: unnamed parameter of shape %v", p.Shape())
		}
		if _, dup := a.m[p.Name]; dup {
			return nil, fmt.Errorf("optim: duplicate parameter %q", p.Name)
		}
		a.m[p.Name] = make([]float64, p.Len())
		a.v[p.Name] = make([]float64, p.Len())
		a.params = append(a.params, p)
	}
	return a, nil
}

// Params returns the optimised parameters.
func (a *Adam) Params() []*tensor.Tensor { return a.params }

// ZeroGrad clears every parameter gradient.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Step applies one bias-corrected update.
func (a *Adam) Step() {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for _, p := range a.params {
		m, v := a.m[p.Name], a.v[p.Name]
		for i, g := range p.Grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			p.Data[i] -= a.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.Eps)
		}
	}
}

// State is the serialisable optimiser state.
type State struct {
	Step int
	LR   float64
	M    map[string][]float64
	V    map[string][]float64
}

// State returns a deep copy of the moments and step counter.
func (a *Adam) State() State {
	s := State{Step: a.step, LR: a.LR, M: make(map[string][]float64), V: make(map[string][]float64)}
	for k, m := range a.m {
		s.M[k] = append([]float64(nil), m...)
		s.V[k] = append([]float64(nil), a.v[k]...)
	}
	return s
}

// LoadState restores moments for parameters present in both s and a with
// matching sizes; other entries are ignored. It returns how many were applied.
func (a *Adam) LoadState(s State) int {
	a.step = s.Step
	applied := 0
	for k, m := range s.M {
		cur, ok := a.m[k]
		v, okV := s.V[k]
		if !ok || !okV || len(cur) != len(m) || len(v) != len(m) {
			continue
		}
		copy(cur, m)
		copy(a.v[k], v)
		applied++
	}
	return applied
}

// StepLR multiplies the base rate by Gamma every StepSize scheduler steps.
type StepLR struct {
	Base     float64
	StepSize int
	Gamma    float64
	count    int
}

// NewStepLR returns a scheduler starting at count 0.
func NewStepLR(base float64, stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 1
	}
	return &StepLR{Base: base, StepSize: stepSize, Gamma: gamma}
}

// Step advances the counter and writes the new rate into opt.
func (s *StepLR) Step(opt *Adam) float64 {
	s.count++
	lr := s.LR()
	if opt != nil {
		opt.LR = lr
	}
	return lr
}

// LR returns the rate for the current counter.
func (s *StepLR) LR() float64 {
	return s.Base * math.Pow(s.Gamma, float64(s.count/s.StepSize))
}

// Count returns the number of Step calls, including restored ones.
func (s *StepLR) Count() int { return s.count }

// SetCount restores a persisted counter.
func (s *StepLR) SetCount(n int) { s.count = n }
