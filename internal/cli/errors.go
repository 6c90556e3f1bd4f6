package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fpang/mv3d-pipeline/internal/auth"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
)

// Exit codes by failure kind.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitService   = 3
	ExitToolError = 4
)

// Hint returns a user-facing explanation for a failed run.
func Hint(err error) string {
	if errors.Is(err, auth.ErrNotFound) {
		return "No fal API key configured. Set FAL_KEY or store it GPG-encrypted in ~/.mv3d/fal_key.gpg"
	}

	switch runerr.KindOf(err) {
	case runerr.KindValidation:
		return "Invalid input. Check the images and options and try again"
	case runerr.KindConfiguration:
		return "Inconsistent configuration. Check the weighting options and MV3D_* settings"
	case runerr.KindRetrieval:
		return "Segmentation failed. Check FAL_KEY and your connection to fal"
	case runerr.KindProvisioning:
		return "Checkpoint provisioning failed. Check HF_TOKEN and the checkpoint cache directory"
	case runerr.KindExecution:
		return "MV-SAM3D failed. The end of its log follows"
	case runerr.KindParse:
		return "Could not find the output location in the MV-SAM3D log. The log format may have changed"
	case runerr.KindMissingOutput:
		return "MV-SAM3D finished without writing result.glb or result.ply"
	case runerr.KindPublish:
		return "Packaging or uploading the result bundle failed"
	default:
		return "Run failed"
	}
}

// ExitCode maps a run error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch runerr.KindOf(err) {
	case runerr.KindValidation, runerr.KindConfiguration:
		return ExitUsage
	case runerr.KindRetrieval, runerr.KindProvisioning, runerr.KindPublish:
		return ExitService
	case runerr.KindExecution, runerr.KindParse, runerr.KindMissingOutput:
		return ExitToolError
	default:
		if errors.Is(err, auth.ErrNotFound) {
			return ExitUsage
		}
		return ExitFailure
	}
}

// ReportError writes the hint, the error, and any captured tool log to w.
func ReportError(w io.Writer, err error) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Error: %s\n", Hint(err))
	fmt.Fprintf(w, "  %v\n", err)

	if tail := runerr.LogOf(err); tail != "" {
		fmt.Fprintln(w, "--------------------------------------------")
		fmt.Fprintln(w, "MV-SAM3D log (tail):")
		fmt.Fprint(w, tail)
		if !strings.HasSuffix(tail, "\n") {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, "--------------------------------------------")
	}
}
