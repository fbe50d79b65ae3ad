// lgsample runs a demonstration sampling pass with the feature
// injector and timestep perturber attached to a toy flow denoiser.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/denoise"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/inject"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/latent"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/patch"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/perturb"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/schedule"
	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

var (
	logger *zap.Logger

	cfgPath string
	debug   bool
	seed    int64
	steps   int
)

func main() {
	root := &cobra.Command{
		Use:   "lgsample",
		Short: "Sampling utilities demo: feature injection and timestep perturbation",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zc := zap.NewProductionConfig()
			if debug {
				zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			var err error
			logger, err = zc.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "yaml run config")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sampling pass with both patches attached",
		RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd) },
	}
	runCmd.Flags().Int64Var(&seed, "seed", -1, "override config seed")
	runCmd.Flags().IntVar(&steps, "steps", 0, "override config steps")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}
	if cmd.Flags().Changed("steps") {
		cfg.Steps = steps
	}

	logger.Info("run",
		zap.Int64("seed", cfg.Seed),
		zap.Int("steps", cfg.Steps),
		zap.Float64("guidance", cfg.Guidance),
		zap.Int("latent_size", cfg.LatentSize))

	// Toy denoiser: flows toward a seeded target latent.
	shape := []int{1, cfg.Channels, cfg.LatentSize, cfg.LatentSize}
	target := tensor.Randn(cfg.Seed+1, shape...)
	model := patch.New(denoise.NewFlow(target), schedule.Linear(cfg.Steps))

	// Shifted flow schedule plus any hand-edited override.
	model = patch.ApplyShift(model, cfg.Shift, cfg.Multiplier, logger)
	model.Schedule = schedule.ApplyAdjustments(model.Schedule, cfg.ScheduleAdjustments)
	sched := model.Schedule

	// Feature injection.
	if cfg.Injection.Strength > 0 {
		ref, mask, err := loadReference(cfg)
		if err != nil {
			return err
		}
		window := patch.Window{Start: cfg.Injection.Start, End: cfg.Injection.End}
		model = inject.Attach(model, ref, mask, cfg.Injection.Strength, window, logger)
	}

	// Timestep perturbation.
	if cfg.Perturbation.Strength > 0 {
		mode := perturb.Additive
		if cfg.Perturbation.Mode == "sigma" {
			mode = perturb.Multiplicative
		}
		window := patch.Window{Start: cfg.Perturbation.Start, End: cfg.Perturbation.End}
		model = perturb.Attach(model, sched, mode, cfg.Perturbation.Strength,
			cfg.Perturbation.Seed, window, nil, logger)
	}

	sampler := &patch.Sampler{
		GuidanceScale: cfg.Guidance,
		CondArgs:      map[string]any{"target": target},
		UncondArgs:    map[string]any{},
		Logger:        logger,
	}

	noise := tensor.Randn(cfg.Seed, shape...)
	result := sampler.Run(model, noise)

	logger.Info("done",
		zap.Ints("shape", result.Shape),
		zap.Float32("min", result.Min()),
		zap.Float32("max", result.Max()))

	if cfg.Output != "" {
		if err := latent.SavePNG(result, cfg.Output); err != nil {
			return fmt.Errorf("save %s: %w", cfg.Output, err)
		}
		logger.Info("saved", zap.String("path", cfg.Output))
	}
	return nil
}

// loadReference resolves the injection reference: a saved latent when
// configured, a seeded noise latent otherwise. A latent-borne noise
// mask wins over a mask file.
func loadReference(cfg Config) (*tensor.Tensor, *tensor.Tensor, error) {
	if cfg.Injection.Reference != "" {
		l, err := latent.LoadLatent(cfg.Injection.Reference)
		if err != nil {
			return nil, nil, fmt.Errorf("load reference: %w", err)
		}
		if l.NoiseMask != nil {
			return l.Samples, l.NoiseMask, nil
		}
		mask, err := loadMask(cfg)
		return l.Samples, mask, err
	}
	ref := tensor.Randn(cfg.Seed+2, 1, cfg.Channels, cfg.LatentSize, cfg.LatentSize)
	mask, err := loadMask(cfg)
	return ref, mask, err
}

func loadMask(cfg Config) (*tensor.Tensor, error) {
	if cfg.Injection.Mask == "" {
		return nil, nil
	}
	mask, err := latent.LoadMaskPNG(cfg.Injection.Mask, cfg.LatentSize, cfg.LatentSize)
	if err != nil {
		return nil, fmt.Errorf("load mask: %w", err)
	}
	return mask, nil
}
