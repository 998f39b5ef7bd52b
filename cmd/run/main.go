package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/fumin/dmet"
	"github.com/fumin/dmet/model"
	"github.com/fumin/dmet/scf"
	"github.com/fumin/dmet/store"
)

var (
	configPath = flag.String("c", "", "YAML run description, the 10-site Hubbard ring when empty")
	dbPath     = flag.String("db", filepath.Join("runs", "dmet.db"), "SQLite history database")
)

type modelConfig struct {
	Sites     int     `yaml:"sites"`
	T         float64 `yaml:"t"`
	U         float64 `yaml:"u"`
	Ring      bool    `yaml:"ring"`
	Overlap   float64 `yaml:"overlap"`
	Electrons int     `yaml:"electrons"`
}

type config struct {
	Label     string               `yaml:"label"`
	LogLevel  string               `yaml:"log_level"`
	Model     modelConfig          `yaml:"model"`
	Fragments []dmet.FragmentGroup `yaml:"fragments"`

	MaxIterations     *int    `yaml:"max_iterations"`
	ConvThreshold     float64 `yaml:"conv_threshold"`
	ConvThresholdETot float64 `yaml:"conv_threshold_etot"`
	ConvThresholdCorr float64 `yaml:"conv_threshold_corr"`
	ConvThresholdVFit float64 `yaml:"conv_threshold_vfit"`

	FitDomain     dmet.FitDomain         `yaml:"fit_domain"`
	VFitDomain    dmet.FitDomain         `yaml:"vfit_domain"`
	MeanField     dmet.MeanFieldPolicy   `yaml:"mean_field"`
	Correlation   dmet.CorrelationPolicy `yaml:"correlation"`
	EnvPotential  dmet.EnvPotential      `yaml:"env_potential"`
	Hopping       bool                   `yaml:"hopping"`
	Translational bool                   `yaml:"translational"`
	DampFactor    float64                `yaml:"damp_factor"`
	OccEnvCutoff  float64                `yaml:"occ_env_cutoff"`
	FTol          float64                `yaml:"ftol"`
	MaxEval       int                    `yaml:"max_eval"`

	RootMethod        dmet.RootMethod `yaml:"root_method"`
	RootTol           float64         `yaml:"root_tol"`
	RootMaxIterations int             `yaml:"root_max_iterations"`
	Parallel          int             `yaml:"parallel"`

	// StateFollowing keeps the mean-field occupations closest to the previous density.
	StateFollowing bool `yaml:"state_following"`
}

func defaultConfig() config {
	cfg := config{
		Label:         "hubbard ring",
		LogLevel:      "info",
		Model:         modelConfig{Sites: 10, T: 1, U: 4, Ring: true},
		Translational: true,
	}
	var basis [][]int
	for i := 0; i < cfg.Model.Sites; i += 2 {
		basis = append(basis, []int{i, i + 1})
	}
	cfg.Fragments = []dmet.FragmentGroup{{Basis: basis}}
	return cfg
}

func readConfig(fpath string) (config, error) {
	cfg := defaultConfig()
	if fpath == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(fpath)
	if err != nil {
		return config{}, errors.Wrap(err, "")
	}
	cfg = config{LogLevel: "info", Model: modelConfig{T: 1, Ring: true}}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return config{}, errors.Wrap(err, fpath)
	}
	if cfg.Label == "" {
		cfg.Label = fpath
	}
	return cfg, nil
}

func (cfg config) options() dmet.Options {
	opt := dmet.NewOptions().Hopping(cfg.Hopping).Translational(cfg.Translational).DampFactor(cfg.DampFactor)
	if cfg.MaxIterations != nil {
		opt = opt.MaxIterations(*cfg.MaxIterations)
	}
	if cfg.ConvThreshold > 0 {
		opt = opt.ConvThreshold(cfg.ConvThreshold)
	}
	opt = opt.ConvThresholdETot(cfg.ConvThresholdETot).ConvThresholdCorr(cfg.ConvThresholdCorr).ConvThresholdVFit(cfg.ConvThresholdVFit)
	if cfg.FitDomain != "" {
		opt = opt.FitDomain(cfg.FitDomain)
	}
	if cfg.VFitDomain != "" {
		opt = opt.VFitDomain(cfg.VFitDomain)
	}
	if cfg.MeanField != "" {
		opt = opt.MeanField(cfg.MeanField)
	}
	if cfg.Correlation != "" {
		opt = opt.Correlation(cfg.Correlation)
	}
	if cfg.EnvPotential != "" {
		opt = opt.EnvPotential(cfg.EnvPotential)
	}
	if cfg.OccEnvCutoff > 0 {
		opt = opt.OccEnvCutoff(cfg.OccEnvCutoff)
	}
	if cfg.FTol > 0 {
		opt = opt.FTol(cfg.FTol)
	}
	if cfg.MaxEval > 0 {
		opt = opt.MaxEval(cfg.MaxEval)
	}
	if cfg.RootMethod != "" {
		opt = opt.RootMethod(cfg.RootMethod)
	}
	opt = opt.RootTol(cfg.RootTol).RootMaxIterations(cfg.RootMaxIterations)
	if cfg.Parallel > 0 {
		opt = opt.Parallel(cfg.Parallel)
	}
	return opt
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return logger, nil
}

func run(ctx context.Context, cfg config, db *store.DB, logger *zap.Logger) (*dmet.Result, int64, error) {
	hopts := model.NewHubbardOptions().Ring(cfg.Model.Ring).Overlap(cfg.Model.Overlap)
	if cfg.Model.Electrons > 0 {
		hopts = hopts.Electrons(cfg.Model.Electrons)
	}
	h := model.NewHubbard(cfg.Model.Sites, cfg.Model.T, cfg.Model.U, hopts)

	runID, err := db.NewRun(cfg.Label)
	if err != nil {
		return nil, -1, errors.Wrap(err, "")
	}
	mf := dmet.NewRHF(h, scf.NewOptions().FollowState(cfg.StateFollowing).Logger(logger.Named("scf")))
	opt := cfg.options().Logger(logger).Recorder(db.Recorder(runID))
	d, err := dmet.New(h, mf, dmet.NewFCI(), cfg.Fragments, opt)
	if err != nil {
		return nil, -1, errors.Wrap(err, "")
	}
	res, err := d.Run(ctx, nil)
	if err != nil {
		return nil, -1, errors.Wrap(err, "")
	}
	return res, runID, nil
}

func mainWithErr() error {
	cfg, err := readConfig(*configPath)
	if err != nil {
		return errors.Wrap(err, "")
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer logger.Sync()

	if err := os.MkdirAll(filepath.Dir(*dbPath), os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}
	db, err := store.Open(*dbPath)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer db.Close()

	res, runID, err := run(context.Background(), cfg, db, logger)
	if err != nil {
		return errors.Wrap(err, "")
	}
	logger.Info("done", zap.Int64("run", runID), zap.Bool("converged", res.Converged), zap.Int("iterations", res.Iterations), zap.Float64("e_tot", res.ETot), zap.Float64("e_corr", res.ECorr))

	if err := store.WriteCSV(os.Stdout, res.History); err != nil {
		return errors.Wrap(err, "")
	}
	if !res.Converged {
		fmt.Fprintf(os.Stderr, "not converged after %d iterations\n", res.Iterations)
	}
	return nil
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}
