package reconstruct

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/rs/zerolog/log"
)

// LogTailChars is how many trailing characters of the tool log are kept.
const LogTailChars = 12000

// Artifact file names inside the output directory.
const (
	GLBName    = "result.glb"
	PLYName    = "result.ply"
	ParamsName = "params.npz"
)

var (
	outputDirPattern = regexp.MustCompile(`All output files saved to:\s*(.+)`)
	glbPathPattern   = regexp.MustCompile(`GLB file saved to:\s*(.+result\.glb)`)
)

// Result locates the artifacts of a successful run. Absent artifacts are
// empty strings.
type Result struct {
	OutputDir string
	// ViewerPath is the GLB when present, otherwise the PLY.
	ViewerPath string
	GLBPath    string
	PLYPath    string
	ParamsPath string
	LogTail    string
}

// ParseOutputDir finds the output directory announced in the tool log.
// The "All output files saved to:" line wins; otherwise the directory of
// the reported GLB file is used. Relative paths are resolved against root.
func ParseOutputDir(logText, root string) (string, error) {
	var dir string
	if m := outputDirPattern.FindStringSubmatch(logText); m != nil {
		dir = strings.TrimSpace(m[1])
	} else if m := glbPathPattern.FindStringSubmatch(logText); m != nil {
		dir = filepath.Dir(strings.TrimSpace(m[1]))
	} else {
		return "", runerr.New(runerr.KindParse, "reconstruct", "cannot locate output paths in logs").
			WithLog(Tail(logText, LogTailChars))
	}

	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	return dir, nil
}

// ResolveOutputs parses the output directory from logText and probes it for
// artifacts. A directory with neither a GLB nor a PLY is an error.
func ResolveOutputs(logText, root string) (*Result, error) {
	tail := Tail(logText, LogTailChars)

	dir, err := ParseOutputDir(logText, root)
	if err != nil {
		return nil, err
	}

	res := &Result{
		OutputDir:  dir,
		GLBPath:    probe(dir, GLBName),
		PLYPath:    probe(dir, PLYName),
		ParamsPath: probe(dir, ParamsName),
		LogTail:    tail,
	}
	switch {
	case res.GLBPath != "":
		res.ViewerPath = res.GLBPath
	case res.PLYPath != "":
		res.ViewerPath = res.PLYPath
	default:
		return nil, runerr.New(runerr.KindMissingOutput, "reconstruct",
			fmt.Sprintf("output missing in %s", dir)).WithLog(tail)
	}

	log.Info().
		Str("output_dir", dir).
		Bool("glb", res.GLBPath != "").
		Bool("ply", res.PLYPath != "").
		Bool("params", res.ParamsPath != "").
		Msg("Reconstruction outputs located")
	return res, nil
}

func probe(dir, name string) string {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// Tail returns the last n characters (runes) of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := len(s)
	for k := 0; k < n && i > 0; k++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}
