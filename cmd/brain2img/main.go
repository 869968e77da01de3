// Command brain2img reconstructs images from brain scans with a latent
// diffusion model conditioned on a learned scan embedding.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/JacobB33/StableDiffusionFork/internal/config"
	"github.com/JacobB33/StableDiffusionFork/internal/diffusion"
	"github.com/JacobB33/StableDiffusionFork/internal/embedder"
	"github.com/JacobB33/StableDiffusionFork/internal/generate"
	"github.com/JacobB33/StableDiffusionFork/internal/logutil"
	"github.com/JacobB33/StableDiffusionFork/internal/sampler"
	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brain2img",
		Short: "Reconstruct images from brain scans with latent diffusion",
		Long: `brain2img samples images for one dataset entry: a reference image from the
stored caption embedding, then n_iter batches conditioned on the scan
embedding. Results go to <outdir>/results_image_<index>.

Every flag can also be set in the YAML file given by --config-file or through
BRAIN2IMG_<KEY> environment variables. Flags win over the environment, which
wins over the file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logutil.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Threads > 0 {
		tensor.SetWorkers(cfg.Threads)
	}
	rt, err := cfg.Runtime()
	if err != nil {
		return err
	}
	log.Info().
		Stringer("device", rt.Device).
		Stringer("precision", rt.Precision).
		Str("dtype", rt.DType()).
		Int("workers", tensor.Workers()).
		Msg("--- Phase 1: Loading ---")

	start := time.Now()
	model, _, err := diffusion.Load(ctx, cfg.ModelOptions(), rt)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer model.Close()
	if model.LatentChannels() != cfg.C || model.DownsampleFactor() != cfg.F {
		log.Warn().
			Int("C", cfg.C).Int("f", cfg.F).
			Int("model_C", model.LatentChannels()).Int("model_f", model.DownsampleFactor()).
			Msg("latent geometry differs from the model config")
	}

	emb, err := embedder.Load(cfg.BrainCheckpoint, embedder.DefaultConfig(model.ContextDim()), rt)
	if err != nil {
		return fmt.Errorf("load brain embedder: %w", err)
	}
	log.Info().Dur("took", time.Since(start)).Msg("models ready")

	kind := cfg.Sampler()
	s, err := sampler.New(kind, model)
	if err != nil {
		return err
	}

	log.Info().Stringer("sampler", kind).Int("index", cfg.Index).Msg("--- Phase 2: Sampling ---")
	o := generate.New(generate.Options{
		DataPath:  cfg.DataPath,
		OutDir:    cfg.OutDir,
		Steps:     cfg.Steps,
		BatchSize: cfg.NSamples,
		NIter:     cfg.NIter,
		NRows:     cfg.NRows,
		H:         cfg.H,
		W:         cfg.W,
		C:         cfg.C,
		F:         cfg.F,
		Scale:     cfg.Scale,
		Eta:       cfg.DDIMEta,
		FixedCode: cfg.FixedCode,
		Seed:      cfg.Seed,
		Verbose:   cfg.Verbose,
		Runtime:   rt,
	}, model, embedder.NewAdapter(emb), s)
	_, err = o.Run(ctx, cfg.Index)
	return err
}
