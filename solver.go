package fmi

import (
	"fmt"
	"strings"
	"sync"
)

// System is the right-hand side integrated by a Solver.
type System interface {
	// Derivatives evaluates dx = f(t, x). It must not modify x.
	Derivatives(t float64, x, dx []float64) error
}

// Solver is a fixed-step ODE integrator. One Solver may be shared by several
// slaves; Euler and RungeKutta4 serialize Step on their scratch buffers.
type Solver interface {
	// Name identifies the method, e.g. "euler".
	Name() string
	// MaxStep is the largest internal step the solver takes.
	MaxStep() float64
	// Step advances x in place from t by h.
	Step(sys System, t float64, x []float64, h float64) error
}

// DefaultSolverStep is the internal step used when a solver is created with
// a step of zero.
const DefaultSolverStep = 1e-3

// Euler is the explicit (forward) Euler method.
type Euler struct {
	StepSize float64

	mu sync.Mutex
	dx []float64
}

// NewEuler returns an Euler solver with the given internal step.
func NewEuler(step float64) *Euler { return &Euler{StepSize: step} }

func (e *Euler) Name() string { return "euler" }

func (e *Euler) MaxStep() float64 {
	if e.StepSize <= 0 {
		return DefaultSolverStep
	}
	return e.StepSize
}

func (e *Euler) Step(sys System, t float64, x []float64, h float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dx = grow(e.dx, len(x))
	if err := sys.Derivatives(t, x, e.dx); err != nil {
		return err
	}
	for i := range x {
		x[i] += h * e.dx[i]
	}
	return nil
}

// RungeKutta4 is the classical fourth-order Runge-Kutta method.
type RungeKutta4 struct {
	StepSize float64

	mu                  sync.Mutex
	k1, k2, k3, k4, tmp []float64
}

// NewRungeKutta4 returns a RungeKutta4 solver with the given internal step.
func NewRungeKutta4(step float64) *RungeKutta4 { return &RungeKutta4{StepSize: step} }

func (r *RungeKutta4) Name() string { return "rk4" }

func (r *RungeKutta4) MaxStep() float64 {
	if r.StepSize <= 0 {
		return DefaultSolverStep
	}
	return r.StepSize
}

func (r *RungeKutta4) Step(sys System, t float64, x []float64, h float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(x)
	r.k1, r.k2, r.k3, r.k4 = grow(r.k1, n), grow(r.k2, n), grow(r.k3, n), grow(r.k4, n)
	r.tmp = grow(r.tmp, n)

	if err := sys.Derivatives(t, x, r.k1); err != nil {
		return err
	}
	for i := range x {
		r.tmp[i] = x[i] + h/2*r.k1[i]
	}
	if err := sys.Derivatives(t+h/2, r.tmp, r.k2); err != nil {
		return err
	}
	for i := range x {
		r.tmp[i] = x[i] + h/2*r.k2[i]
	}
	if err := sys.Derivatives(t+h/2, r.tmp, r.k3); err != nil {
		return err
	}
	for i := range x {
		r.tmp[i] = x[i] + h*r.k3[i]
	}
	if err := sys.Derivatives(t+h, r.tmp, r.k4); err != nil {
		return err
	}
	for i := range x {
		x[i] += h / 6 * (r.k1[i] + 2*r.k2[i] + 2*r.k3[i] + r.k4[i])
	}
	return nil
}

// NewSolver returns the solver called name ("euler" or "rk4") with the
// given internal step.
func NewSolver(name string, step float64) (Solver, error) {
	switch strings.ToLower(name) {
	case "euler":
		return NewEuler(step), nil
	case "rk4", "rungekutta4", "runge-kutta":
		return NewRungeKutta4(step), nil
	}
	return nil, fmt.Errorf("fmi: unknown solver %q", name)
}

func grow(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}
