package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/auth"
	"github.com/fpang/mv3d-pipeline/internal/cli"
	"github.com/fpang/mv3d-pipeline/internal/config"
	"github.com/fpang/mv3d-pipeline/internal/filehandler"
	"github.com/fpang/mv3d-pipeline/internal/logging"
	"github.com/fpang/mv3d-pipeline/internal/metrics"
	"github.com/fpang/mv3d-pipeline/internal/segment"
	"github.com/fpang/mv3d-pipeline/internal/staging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// commitHash is set at build time via -ldflags "-X main.commitHash=...".
var commitHash = ""

// Flags shared by the commands that segment views.
var (
	maskLabelFlag  string
	promptFlag     string
	pickFlag       string
	maxMasksFlag   int
	maxDepthFlag   int
	limitFlag      int
	videoViewsFlag int
	verboseFlag    bool
)

// rootCmd is the main Cobra command for the mv3d CLI.
var rootCmd = &cobra.Command{
	Use:   "mv3d",
	Short: "Multi-view 3D reconstruction with SAM-3 masks and MV-SAM3D",
	Long: `mv3d turns a set of photos of one object into a 3D asset.

Each view is masked with the fal SAM-3 service, the views and masks are
staged in the layout MV-SAM3D expects, and the reconstruction tool is run
against them. The resulting GLB, PLY and params files are packaged into a
single bundle that can optionally be published to S3.

Examples:
  mv3d run ./photos
  mv3d run img1.jpg img2.jpg img3.jpg --prompt "red chair" --pick best_score
  mv3d run ./photos --stage2-weighting --weight-source visibility --da3-output s3://bucket/da3.npz
  mv3d stage ./photos
  mv3d reconstruct --input /tmp/mv_input_123/input
  mv3d checkpoints --check
  mv3d run  # Interactive mode - prompts for directory`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Stream the MV-SAM3D log to stderr while it runs")

	for _, cmd := range []*cobra.Command{runCmd, stageCmd} {
		addSegmentFlags(cmd)
	}
	rootCmd.AddCommand(runCmd, stageCmd, reconstructCmd, checkpointsCmd)
}

func addSegmentFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&maskLabelFlag, "mask-label", "object", "Mask folder name passed to MV-SAM3D as --mask_prompt")
	cmd.Flags().StringVar(&promptFlag, "prompt", "", "Text prompt describing the object to segment")
	cmd.Flags().StringVar(&pickFlag, "pick", string(segment.PickLargest), "Mask selection: largest or best_score")
	cmd.Flags().IntVar(&maxMasksFlag, "max-masks", 5, "Candidate masks requested per view (1-10)")
	cmd.Flags().IntVar(&maxDepthFlag, "max-depth", 0, "Maximum recursion depth for directory inputs (0 = unlimited)")
	cmd.Flags().IntVar(&limitFlag, "limit", 0, "Maximum views taken from each directory (0 = unlimited)")
	cmd.Flags().IntVar(&videoViewsFlag, "video-views", 0, "Accept orbit videos and sample this many views from each (0 = images only)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		cli.ReportError(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}

// loadConfig reads the environment and routes metrics.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.EmitMetrics {
		metrics.SetOutput(os.Stdout)
	}
	return cfg, nil
}

// segmentOptions builds the mask extraction options from flags.
func segmentOptions() segment.Options {
	return segment.Options{
		Prompt:   promptFlag,
		PickMode: segment.PickMode(pickFlag),
		MaxMasks: maxMasksFlag,
	}
}

// checkSegmentFlags rejects an invalid mask label or segmentation option
// before any credential lookup.
func checkSegmentFlags() error {
	if err := staging.ValidateLabel(maskLabelFlag); err != nil {
		return err
	}
	return segmentOptions().Validate()
}

// resolveInputs expands arguments into views, prompting for a directory
// when none were given.
func resolveInputs(ctx context.Context, args []string, workDir string) ([]string, error) {
	if len(args) == 0 {
		dir, err := cli.ResolveDirectory(cli.PromptForDirectory(os.Stdin, os.Stderr))
		if err != nil {
			return nil, err
		}
		args = []string{dir}
	}
	return cli.ResolveInputs(ctx, args, filehandler.ScanOptions{MaxDepth: maxDepthFlag, Limit: limitFlag}, videoViewsFlag, workDir)
}

// printProgress renders coarse progress on stderr.
func printProgress(start time.Time) func(float64, string) {
	return func(fraction float64, desc string) {
		fmt.Fprintln(os.Stderr, cli.FormatProgress(fraction, desc, time.Since(start)))
	}
}

func logSummary(name, runID string, cfg *config.Config, startup time.Duration) {
	logging.NewRunSummary(name).
		RunID(runID).
		CommitHash(commitHash).
		Path("toolRoot", cfg.ToolRoot).
		Path("checkpointDir", cfg.CheckpointDir).
		Path("workDir", logging.EnvOrDefault(config.EnvWorkDir, os.TempDir())).
		Endpoint("falQueue", cfg.FalQueueURL).
		Endpoint("hfHub", cfg.HFEndpoint).
		Credential("FAL_KEY", os.Getenv(auth.FalKeyEnv) != "").
		Credential("HF_TOKEN", os.Getenv(auth.HFTokenEnv) != "").
		Feature("metrics", cfg.EmitMetrics).
		Feature("publishing", cfg.Publishing()).
		Config("falApp", cfg.FalApp).
		Config("uploadMode", string(cfg.UploadMode)).
		Config("pickMode", pickFlag).
		StartupDuration(startup).
		Log()

	log.Debug().Str("command", name).Msg("Configuration logged")
}
