package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/auth"
	"github.com/fpang/mv3d-pipeline/internal/checkpoints"
	"github.com/fpang/mv3d-pipeline/internal/cli"
	"github.com/fpang/mv3d-pipeline/internal/jobs"
	"github.com/fpang/mv3d-pipeline/internal/pipeline"
	"github.com/fpang/mv3d-pipeline/internal/reconstruct"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/fpang/mv3d-pipeline/internal/s3util"
	"github.com/spf13/cobra"
)

var (
	imageNamesFlag   string
	stage1Flag       bool
	stage2Flag       bool
	weightSourceFlag string
	da3OutputFlag    string
	toolRootFlag     string
	outFlag          string
	noBundleFlag     bool
	publishFlag      bool
)

var runCmd = &cobra.Command{
	Use:   "run [files|dirs...]",
	Short: "Mask, stage and reconstruct a set of views",
	RunE:  runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&imageNamesFlag, "image-names", "", "Comma-separated view names to reconstruct from (default all)")
	runCmd.Flags().BoolVar(&stage1Flag, "stage1-weighting", false, "Enable stage 1 view weighting")
	runCmd.Flags().BoolVar(&stage2Flag, "stage2-weighting", false, "Enable stage 2 view weighting")
	runCmd.Flags().StringVar(&weightSourceFlag, "weight-source", string(reconstruct.WeightEntropy), "Stage 2 weight source: entropy, visibility or mixed")
	runCmd.Flags().StringVar(&da3OutputFlag, "da3-output", "", "DA3 output .npz (local path or s3:// URI), required by visibility and mixed")
	runCmd.Flags().StringVar(&toolRootFlag, "tool-root", "", "MV-SAM3D checkout (overrides MV3D_TOOL_ROOT)")
	runCmd.Flags().StringVarP(&outFlag, "out", "o", "mv3d-results", "Directory for result bundles")
	runCmd.Flags().BoolVar(&noBundleFlag, "no-bundle", false, "Skip writing the result bundle")
	runCmd.Flags().BoolVar(&publishFlag, "publish", false, "Upload the bundle to MV3D_BUNDLE_BUCKET and print a download link")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if toolRootFlag != "" {
		cfg.ToolRoot = toolRootFlag
	}

	files, err := resolveInputs(ctx, args, cfg.WorkDir)
	if err != nil {
		return err
	}

	if err := checkSegmentFlags(); err != nil {
		return err
	}

	segmenter, err := cli.InitSegmenter(cfg)
	if err != nil {
		return err
	}

	tool := cfg.Tool()
	if verboseFlag {
		tool.LiveLog = os.Stderr
	}

	runID := jobs.NewRunID()
	runner := &pipeline.Runner{
		Provisioner: checkpoints.NewProvisioner(cfg.Checkpoints(auth.GetHFToken())),
		Extractor:   segmenter,
		Tool:        tool,
		WorkDir:     cfg.WorkDir,
		NewRunID:    func() string { return runID },
	}

	if _, _, isS3 := s3util.ParseURI(da3OutputFlag); isS3 {
		clients, err := s3util.NewClients(ctx, "")
		if err != nil {
			return runerr.Wrap(runerr.KindConfiguration, "cli", "S3 client for --da3-output", err)
		}
		runner.Objects = clients.Client
	}
	if publishFlag {
		if !cfg.Publishing() {
			return runerr.New(runerr.KindConfiguration, "cli", "--publish requires MV3D_BUNDLE_BUCKET")
		}
		clients, err := s3util.NewClients(ctx, cfg.BundleBucket)
		if err != nil {
			return runerr.Wrap(runerr.KindConfiguration, "cli", "S3 client for publishing", err)
		}
		runner.Publisher = pipeline.NewS3Publisher(clients, cfg.BundlePrefix, cfg.PresignTTL)
	}

	logSummary("run", runID, cfg, time.Since(startTime))

	req := pipeline.Request{
		Files:           files,
		MaskLabel:       maskLabelFlag,
		Segment:         segmentOptions(),
		ImageNames:      imageNamesFlag,
		Stage1Weighting: stage1Flag,
		Stage2Weighting: stage2Flag,
		WeightSource:    reconstruct.WeightSource(weightSourceFlag),
		AuxData:         da3OutputFlag,
		Publish:         publishFlag,
	}
	if !noBundleFlag {
		req.BundleDir = outFlag
	}

	fmt.Println()
	fmt.Println("============================================")
	fmt.Println("MV-SAM3D Reconstruction")
	fmt.Println("============================================")
	fmt.Printf("Run: %s\n", runID)
	fmt.Printf("Views: %d\n", len(files))
	fmt.Printf("Mask label: %s\n", maskLabelFlag)
	fmt.Printf("Pick mode: %s (max %d masks)\n", pickFlag, maxMasksFlag)
	fmt.Println("--------------------------------------------")

	out, err := runner.Run(ctx, req, printProgress(startTime))
	if err != nil {
		return err
	}

	printOutput(out, time.Since(startTime))
	return nil
}

func printOutput(out *pipeline.Output, elapsed time.Duration) {
	fmt.Println("--------------------------------------------")
	fmt.Printf("Staged input: %s\n", out.InputDir)
	fmt.Printf("Output directory: %s\n", out.OutputDir)
	fmt.Printf("Viewer: %s\n", out.Viewer)
	for _, a := range []struct{ label, path string }{
		{"GLB", out.GLB},
		{"PLY", out.PLY},
		{"Params", out.Params},
	} {
		if a.path != "" {
			fmt.Printf("%s: %s\n", a.label, a.path)
		}
	}
	if len(out.Previews) > 0 {
		fmt.Printf("Prepared views: %s (%d)\n", filepath.Dir(out.Previews[0]), len(out.Previews))
	}
	if out.Bundle != "" {
		fmt.Printf("Bundle: %s (%s)\n", out.Bundle, cli.FormatBytes(out.BundleSize))
	}
	if out.BundleURL != "" {
		fmt.Printf("Download: %s\n", out.BundleURL)
	}
	fmt.Printf("Elapsed: %s\n", cli.FormatDurationShort(elapsed))
	fmt.Println("============================================")
}
