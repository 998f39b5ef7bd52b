package dmet

import (
	"runtime"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// FitDomain selects the block of the embedding space a fit acts on.
type FitDomain string

const (
	// ImpurityBlock restricts the fit to the impurity rows and columns.
	ImpurityBlock FitDomain = "impurity"
	// ImpurityAndBath extends the fit to the whole embedding space.
	ImpurityAndBath FitDomain = "impurity-and-bath"
)

// MeanFieldPolicy selects how the mean-field fitting potential is updated.
type MeanFieldPolicy string

const (
	// MeanFieldGlobal fits all fragments at once against the whole-system mean field.
	MeanFieldGlobal MeanFieldPolicy = "global"
	// MeanFieldLocal fits each fragment inside its embedding space against the projected Fock matrix.
	MeanFieldLocal MeanFieldPolicy = "local"
	// MeanFieldZero keeps the mean-field potential at zero, which is one-shot embedding.
	MeanFieldZero MeanFieldPolicy = "zero"
)

// CorrelationPolicy selects how the potential applied inside the correlated solver is updated.
type CorrelationPolicy string

const (
	CorrelationChemicalPotential CorrelationPolicy = "chemical-potential"
	CorrelationZero              CorrelationPolicy = "zero"
	// CorrelationFixedDensity fits a diagonal impurity potential so the correlated impurity density reproduces the mean-field one.
	CorrelationFixedDensity CorrelationPolicy = "fixed-density"
)

// EnvPotential selects whether the assembled mean-field potential is also applied inside the correlated solver.
type EnvPotential string

const (
	EnvPotentialNone EnvPotential = "none"
	// EnvPotentialNoImpurityBlock applies the projected global potential outside the impurity block.
	// The impurity-bath coupling it introduces is known to hamper convergence with some fit domains.
	EnvPotentialNoImpurityBlock EnvPotential = "no-impurity-block"
)

// RootMethod selects the chemical potential root finder.
type RootMethod string

const (
	RootNewton RootMethod = "newton"
	RootLM     RootMethod = "lm"
)

// Recorder receives the history of a run.
type Recorder interface {
	RecordIteration(it Iteration) error
	RecordPotential(global, globalAO *mat.Dense) error
}

type Options struct {
	maxIter           int
	convThreshold     float64
	convThresholdETot float64
	convThresholdCorr float64
	convThresholdVFit float64

	fitDomain     FitDomain
	vfitDomain    FitDomain
	meanField     MeanFieldPolicy
	correlation   CorrelationPolicy
	envPotential  EnvPotential
	hopping       bool
	translational bool
	dampFactor    float64
	occEnvCutoff  float64

	fTol    float64
	maxEval int

	rootMethod  RootMethod
	rootTol     float64
	rootMaxIter int

	parallel      int
	initPotential *mat.Dense
	orthCoeff     *mat.Dense
	logger        *zap.Logger
	recorder      Recorder
}

func NewOptions() Options {
	o := Options{
		maxIter:       40,
		convThreshold: 1e-5,
		fitDomain:     ImpurityBlock,
		vfitDomain:    ImpurityBlock,
		meanField:     MeanFieldGlobal,
		correlation:   CorrelationChemicalPotential,
		envPotential:  EnvPotentialNone,
		occEnvCutoff:  1e-14,
		fTol:          1e-8,
		maxEval:       40,
		rootMethod:    RootNewton,
		parallel:      runtime.GOMAXPROCS(0),
		logger:        zap.NewNop(),
	}
	return o
}

// MaxIterations bounds the number of outer iterations.
func (o Options) MaxIterations(n int) Options {
	o.maxIter = n
	return o
}

// ConvThreshold is the default for the separate thresholds left at zero.
func (o Options) ConvThreshold(thr float64) Options {
	o.convThreshold = thr
	return o
}

// ConvThresholdETot bounds the relative total energy change; zero means ConvThreshold/10.
func (o Options) ConvThresholdETot(thr float64) Options {
	o.convThresholdETot = thr
	return o
}

// ConvThresholdCorr bounds the correlation energy change; zero means ConvThreshold.
func (o Options) ConvThresholdCorr(thr float64) Options {
	o.convThresholdCorr = thr
	return o
}

// ConvThresholdVFit bounds the norm of the off-diagonal potential change; zero means ConvThreshold.
func (o Options) ConvThresholdVFit(thr float64) Options {
	o.convThresholdVFit = thr
	return o
}

// FitDomain selects which block of the correlated density the mean-field density is fitted to.
func (o Options) FitDomain(d FitDomain) Options {
	o.fitDomain = d
	return o
}

// VFitDomain selects the parameter block of the local fit.
func (o Options) VFitDomain(d FitDomain) Options {
	o.vfitDomain = d
	return o
}

func (o Options) MeanField(p MeanFieldPolicy) Options {
	o.meanField = p
	return o
}

func (o Options) Correlation(p CorrelationPolicy) Options {
	o.correlation = p
	return o
}

func (o Options) EnvPotential(e EnvPotential) Options {
	o.envPotential = e
	return o
}

// Hopping also assembles the impurity-bath block of the potentials into the global potential.
func (o Options) Hopping(h bool) Options {
	o.hopping = h
	return o
}

// Translational declares all copies of the single fragment group physically equivalent.
func (o Options) Translational(t bool) Options {
	o.translational = t
	return o
}

// DampFactor scales every local fit update; zero disables damping.
func (o Options) DampFactor(f float64) Options {
	o.dampFactor = f
	return o
}

// OccEnvCutoff is the impurity weight at or below which an occupied orbital belongs to the environment.
func (o Options) OccEnvCutoff(c float64) Options {
	o.occEnvCutoff = c
	return o
}

// FTol is the least-squares relative reduction tolerance of the potential fits.
func (o Options) FTol(tol float64) Options {
	o.fTol = tol
	return o
}

// MaxEval bounds the residual evaluations of each potential fit.
func (o Options) MaxEval(n int) Options {
	o.maxEval = n
	return o
}

func (o Options) RootMethod(m RootMethod) Options {
	o.rootMethod = m
	return o
}

// RootTol overrides the chemical potential tolerance of the selected method.
func (o Options) RootTol(tol float64) Options {
	o.rootTol = tol
	return o
}

// RootMaxIterations overrides the chemical potential iteration budget of the selected method.
func (o Options) RootMaxIterations(n int) Options {
	o.rootMaxIter = n
	return o
}

// Parallel bounds the number of fragments processed concurrently.
func (o Options) Parallel(n int) Options {
	o.parallel = n
	return o
}

// InitPotential is an atomic orbital basis potential applied before the first embedding build.
func (o Options) InitPotential(v *mat.Dense) Options {
	o.initPotential = v
	return o
}

// OrthCoeff overrides the Lowdin orthogonalization of the atomic orbitals.
func (o Options) OrthCoeff(c *mat.Dense) Options {
	o.orthCoeff = c
	return o
}

func (o Options) Logger(l *zap.Logger) Options {
	if l == nil {
		l = zap.NewNop()
	}
	o.logger = l
	return o
}

func (o Options) Recorder(r Recorder) Options {
	o.recorder = r
	return o
}

func (o Options) thresholds() (tv, te, tc float64) {
	tv, te, tc = o.convThreshold, o.convThreshold*0.1, o.convThreshold
	if o.convThresholdVFit > 0 {
		tv = o.convThresholdVFit
	}
	if o.convThresholdETot > 0 {
		te = o.convThresholdETot
	}
	if o.convThresholdCorr > 0 {
		tc = o.convThresholdCorr
	}
	return tv, te, tc
}

func (o Options) rootParams() (tol float64, maxIter int) {
	switch o.rootMethod {
	case RootLM:
		tol, maxIter = 1e-3, 12
	default:
		tol, maxIter = 1e-6, 50
	}
	if o.rootTol > 0 {
		tol = o.rootTol
	}
	if o.rootMaxIter > 0 {
		maxIter = o.rootMaxIter
	}
	return tol, maxIter
}

func (o Options) validate() error {
	switch o.fitDomain {
	case ImpurityBlock, ImpurityAndBath:
	default:
		return configError("unknown fit domain %q", o.fitDomain)
	}
	switch o.vfitDomain {
	case ImpurityBlock, ImpurityAndBath:
	default:
		return configError("unknown potential fit domain %q", o.vfitDomain)
	}
	switch o.meanField {
	case MeanFieldGlobal, MeanFieldLocal, MeanFieldZero:
	default:
		return configError("unknown mean-field policy %q", o.meanField)
	}
	switch o.correlation {
	case CorrelationChemicalPotential, CorrelationZero, CorrelationFixedDensity:
	default:
		return configError("unknown correlation policy %q", o.correlation)
	}
	switch o.envPotential {
	case EnvPotentialNone, EnvPotentialNoImpurityBlock:
	default:
		return configError("unknown environment potential mode %q", o.envPotential)
	}
	switch o.rootMethod {
	case RootNewton, RootLM:
	default:
		return configError("unknown root method %q", o.rootMethod)
	}
	if o.maxIter < 0 || o.maxEval < 1 || o.parallel < 1 {
		return configError("max iterations %d, max evaluations %d, parallel %d", o.maxIter, o.maxEval, o.parallel)
	}
	if o.convThreshold <= 0 {
		return configError("convergence threshold %g", o.convThreshold)
	}
	if o.dampFactor < 0 || o.dampFactor > 1 {
		return configError("damp factor %g", o.dampFactor)
	}
	return nil
}
