package main

import (
	"image"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fpang/mv3d-pipeline/internal/imageio"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
)

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"run": false, "stage": false, "reconstruct": false, "checkpoints": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestRunFlagDefaults(t *testing.T) {
	tests := []struct {
		flag string
		want string
	}{
		{"mask-label", "object"},
		{"pick", "largest"},
		{"max-masks", "5"},
		{"weight-source", "entropy"},
		{"stage1-weighting", "false"},
		{"stage2-weighting", "false"},
		{"out", "mv3d-results"},
	}
	for _, tt := range tests {
		f := runCmd.Flags().Lookup(tt.flag)
		if f == nil {
			t.Errorf("run has no --%s flag", tt.flag)
			continue
		}
		if f.DefValue != tt.want {
			t.Errorf("--%s default = %q, want %q", tt.flag, f.DefValue, tt.want)
		}
	}
}

func TestReconstructRequiresInput(t *testing.T) {
	rootCmd.SetArgs([]string{"reconstruct"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "input") {
		t.Errorf("Execute() error = %v, want missing --input", err)
	}
}

func TestRunSingleImageFailsBeforeCredentials(t *testing.T) {
	t.Setenv("FAL_KEY", "")
	t.Setenv("HOME", t.TempDir())

	view := filepath.Join(t.TempDir(), "view1.png")
	if err := imageio.SavePNG(image.NewRGBA(image.Rect(0, 0, 2, 2)), view); err != nil {
		t.Fatal(err)
	}

	rootCmd.SetArgs([]string{"run", view})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	if runerr.KindOf(err) != runerr.KindValidation || !strings.Contains(err.Error(), "at least 2") {
		t.Errorf("Execute() error = %v, want validation error for a single image", err)
	}
}

func TestRunInvalidPickFailsBeforeCredentials(t *testing.T) {
	t.Setenv("FAL_KEY", "")
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	for _, name := range []string{"view1.png", "view2.png"} {
		if err := imageio.SavePNG(image.NewRGBA(image.Rect(0, 0, 2, 2)), filepath.Join(dir, name)); err != nil {
			t.Fatal(err)
		}
	}

	rootCmd.SetArgs([]string{"run", dir, "--pick", "smallest"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		pickFlag = "largest"
	})

	if err := rootCmd.Execute(); runerr.KindOf(err) != runerr.KindValidation {
		t.Errorf("Execute() error = %v, want validation error for --pick", err)
	}
}
