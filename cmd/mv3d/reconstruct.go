package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/reconstruct"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/spf13/cobra"
)

var inputDirFlag string

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct --input <dir>",
	Short: "Run MV-SAM3D on an already staged input directory",
	RunE:  runReconstruct,
}

func init() {
	reconstructCmd.Flags().StringVar(&inputDirFlag, "input", "", "Staged input directory (contains images/ and the mask folder)")
	reconstructCmd.Flags().StringVar(&maskLabelFlag, "mask-label", "object", "Mask folder name inside the input directory")
	reconstructCmd.Flags().StringVar(&imageNamesFlag, "image-names", "", "Comma-separated view names to reconstruct from (default all)")
	reconstructCmd.Flags().BoolVar(&stage1Flag, "stage1-weighting", false, "Enable stage 1 view weighting")
	reconstructCmd.Flags().BoolVar(&stage2Flag, "stage2-weighting", false, "Enable stage 2 view weighting")
	reconstructCmd.Flags().StringVar(&weightSourceFlag, "weight-source", string(reconstruct.WeightEntropy), "Stage 2 weight source: entropy, visibility or mixed")
	reconstructCmd.Flags().StringVar(&da3OutputFlag, "da3-output", "", "Local DA3 output .npz, required by visibility and mixed")
	reconstructCmd.Flags().StringVar(&toolRootFlag, "tool-root", "", "MV-SAM3D checkout (overrides MV3D_TOOL_ROOT)")
	reconstructCmd.MarkFlagRequired("input")
}

func runReconstruct(cmd *cobra.Command, args []string) error {
	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if toolRootFlag != "" {
		cfg.ToolRoot = toolRootFlag
	}
	if info, err := os.Stat(inputDirFlag); err != nil || !info.IsDir() {
		return runerr.New(runerr.KindValidation, "cli", "input directory not found: "+inputDirFlag)
	}

	tool := cfg.Tool()
	if verboseFlag {
		tool.LiveLog = os.Stderr
	}
	logSummary("reconstruct", "", cfg, time.Since(startTime))

	res, err := reconstruct.Run(cmd.Context(), tool, reconstruct.Options{
		InputDir:        inputDirFlag,
		MaskLabel:       maskLabelFlag,
		ImageNames:      imageNamesFlag,
		Stage1Weighting: stage1Flag,
		Stage2Weighting: stage2Flag,
		WeightSource:    reconstruct.WeightSource(weightSourceFlag),
		AuxDataPath:     da3OutputFlag,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Output directory: %s\n", res.OutputDir)
	fmt.Printf("Viewer: %s\n", res.ViewerPath)
	if res.PLYPath != "" {
		fmt.Printf("PLY: %s\n", res.PLYPath)
	}
	if res.ParamsPath != "" {
		fmt.Printf("Params: %s\n", res.ParamsPath)
	}
	return nil
}
