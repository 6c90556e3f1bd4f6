package main

import (
	"fmt"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/cli"
	"github.com/fpang/mv3d-pipeline/internal/staging"
	"github.com/spf13/cobra"
)

var stageCmd = &cobra.Command{
	Use:   "stage [files|dirs...]",
	Short: "Mask and stage views without reconstructing",
	Long: `Masks each view with SAM-3 and writes the MV-SAM3D input layout:

  <work>/input/images/<i>.png    RGB views in natural filename order
  <work>/input/<label>/<i>.png   RGBA views, alpha = object mask

The input directory is printed so it can be passed to "mv3d reconstruct".`,
	RunE: runStage,
}

func runStage(cmd *cobra.Command, args []string) error {
	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	files, err := resolveInputs(cmd.Context(), args, cfg.WorkDir)
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
	logSummary("stage", "", cfg, time.Since(startTime))

	res, err := staging.Build(cmd.Context(), files, maskLabelFlag, segmenter,
		staging.Options{Segment: segmentOptions(), BaseDir: cfg.WorkDir}, printProgress(startTime))
	if err != nil {
		return err
	}

	for _, v := range res.Views {
		score := "-"
		if v.HasScore {
			score = fmt.Sprintf("%.3f", v.Score)
		}
		fmt.Printf("%3d  %-40s  %dx%d  area=%d  score=%s  candidates=%d\n",
			v.Index, v.Source, v.Width, v.Height, v.MaskArea, score, v.Candidates)
	}
	fmt.Println(res.InputDir)
	return nil
}
