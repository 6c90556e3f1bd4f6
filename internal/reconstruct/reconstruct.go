// Package reconstruct runs the external MV-SAM3D inference script on a
// staged input directory and locates the 3D assets it writes.
//
// The script reports where it saved its outputs only in its log, so the
// merged stdout/stderr stream is captured in full and searched once the
// process exits. No timeout is applied to the subprocess; ctx only carries
// external cancellation.
package reconstruct

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRoot        = "/mv_sam3d"
	DefaultInterpreter = "python"
	DefaultScript      = "run_inference_weighted.py"
)

// WeightSource selects the per-view weights used in stage 2.
type WeightSource string

const (
	WeightEntropy    WeightSource = "entropy"
	WeightVisibility WeightSource = "visibility"
	WeightMixed      WeightSource = "mixed"
)

// NeedsAuxData reports whether s requires depth-estimation output.
func (s WeightSource) NeedsAuxData() bool {
	return s == WeightVisibility || s == WeightMixed
}

// ParseWeightSource parses a stage 2 weight source name.
func ParseWeightSource(s string) (WeightSource, error) {
	switch WeightSource(strings.TrimSpace(s)) {
	case WeightEntropy:
		return WeightEntropy, nil
	case WeightVisibility:
		return WeightVisibility, nil
	case WeightMixed:
		return WeightMixed, nil
	}
	return "", fmt.Errorf("unknown stage 2 weight source %q (want entropy, visibility or mixed)", s)
}

// Tool locates the reconstruction program.
type Tool struct {
	// Root is the tool checkout and the subprocess working directory.
	Root        string
	Interpreter string
	Script      string
	// LiveLog, when set, receives the merged output while the tool runs.
	LiveLog io.Writer
}

// Options are the per-run reconstruction arguments.
type Options struct {
	InputDir  string
	MaskLabel string
	// ImageNames optionally restricts the views used (comma separated).
	ImageNames      string
	Stage1Weighting bool
	Stage2Weighting bool
	WeightSource    WeightSource
	// AuxDataPath is the DA3 output (.npz) required by the visibility and
	// mixed weight sources.
	AuxDataPath string
}

// BuildArgs returns the script and its arguments. It fails with a
// configuration error when the options cannot produce a valid invocation.
func BuildArgs(script string, opts Options) ([]string, error) {
	if opts.InputDir == "" {
		return nil, runerr.New(runerr.KindValidation, "reconstruct", "input directory is required")
	}
	if opts.MaskLabel == "" {
		return nil, runerr.New(runerr.KindValidation, "reconstruct", "mask label is required")
	}

	args := []string{
		script,
		"--input_path", opts.InputDir,
		"--mask_prompt", opts.MaskLabel,
	}

	if names := strings.TrimSpace(opts.ImageNames); names != "" {
		args = append(args, "--image_names", names)
	}

	if !opts.Stage1Weighting {
		args = append(args, "--no_stage1_weighting")
	}

	if !opts.Stage2Weighting {
		return append(args, "--no_stage2_weighting"), nil
	}

	source, err := ParseWeightSource(string(opts.WeightSource))
	if err != nil {
		return nil, runerr.Wrap(runerr.KindConfiguration, "reconstruct", "stage 2 weighting", err)
	}
	args = append(args, "--stage2_weight_source", string(source))
	if source.NeedsAuxData() {
		if opts.AuxDataPath == "" {
			return nil, runerr.New(runerr.KindConfiguration, "reconstruct",
				fmt.Sprintf("%s weighting requires DA3 output .npz", source))
		}
		args = append(args, "--da3_output", opts.AuxDataPath)
	}
	return args, nil
}

// Run invokes the tool, waits for it to exit and resolves its outputs.
func Run(ctx context.Context, tool Tool, opts Options) (*Result, error) {
	tool = tool.withDefaults()

	args, err := BuildArgs(tool.Script, opts)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	var out io.Writer = &buf
	if tool.LiveLog != nil {
		out = io.MultiWriter(&buf, tool.LiveLog)
	}

	cmd := exec.CommandContext(ctx, tool.Interpreter, args...)
	cmd.Dir = tool.Root
	// Same writer for both streams: exec serializes writes, keeping order.
	cmd.Stdout = out
	cmd.Stderr = out

	log.Info().
		Str("root", tool.Root).
		Str("interpreter", tool.Interpreter).
		Strs("args", args).
		Msg("Running MV-SAM3D inference")

	startTime := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(startTime)

	logText := buf.String()
	tail := Tail(logText, LogTailChars)

	if runErr != nil {
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		log.Error().
			Err(runErr).
			Int("exit_code", exitCode).
			Dur("duration", elapsed).
			Msg("MV-SAM3D failed")
		return nil, runerr.Wrap(runerr.KindExecution, "reconstruct", "MV-SAM3D failed", runErr).WithLog(tail)
	}

	log.Info().
		Dur("duration", elapsed).
		Int("log_bytes", len(logText)).
		Msg("MV-SAM3D finished")

	return ResolveOutputs(logText, tool.Root)
}

func (t Tool) withDefaults() Tool {
	if t.Root == "" {
		t.Root = DefaultRoot
	}
	if t.Interpreter == "" {
		t.Interpreter = DefaultInterpreter
	}
	if t.Script == "" {
		t.Script = DefaultScript
	}
	return t
}
