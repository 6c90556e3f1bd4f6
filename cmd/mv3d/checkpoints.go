package main

import (
	"fmt"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/auth"
	"github.com/fpang/mv3d-pipeline/internal/checkpoints"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/spf13/cobra"
)

var checkOnlyFlag bool

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Download MV-SAM3D checkpoints and link them into the tool root",
	RunE:  runCheckpoints,
}

func init() {
	checkpointsCmd.Flags().BoolVar(&checkOnlyFlag, "check", false, "Only report whether the cache is complete; never download")
	checkpointsCmd.Flags().StringVar(&toolRootFlag, "tool-root", "", "MV-SAM3D checkout (overrides MV3D_TOOL_ROOT)")
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if toolRootFlag != "" {
		cfg.ToolRoot = toolRootFlag
	}
	prov := checkpoints.NewProvisioner(cfg.Checkpoints(auth.GetHFToken()))
	logSummary("checkpoints", "", cfg, time.Since(startTime))

	if checkOnlyFlag {
		if err := prov.Check(); err != nil {
			return runerr.Wrap(runerr.KindProvisioning, "checkpoints", prov.CacheDir(), err)
		}
		fmt.Printf("Checkpoints complete in %s\n", prov.CacheDir())
		return nil
	}

	if err := prov.Ensure(cmd.Context()); err != nil {
		return err
	}
	if err := prov.Link(cfg.ToolRoot); err != nil {
		return runerr.Wrap(runerr.KindProvisioning, "checkpoints", "link into "+cfg.ToolRoot, err)
	}
	fmt.Printf("Checkpoints ready in %s, linked into %s/checkpoints/hf\n", prov.CacheDir(), cfg.ToolRoot)
	return nil
}
