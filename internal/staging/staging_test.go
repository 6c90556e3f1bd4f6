package staging

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/fpang/mv3d-pipeline/internal/imageio"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/fpang/mv3d-pipeline/internal/segment"
)

// fakeExtractor marks the left half of every view as foreground.
type fakeExtractor struct {
	calls  int
	failAt int // 1-based call that fails; 0 never fails
}

func (f *fakeExtractor) ExtractMainObject(ctx context.Context, img image.Image, opts segment.Options) (*segment.Selection, error) {
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, runerr.New(runerr.KindRetrieval, "segment", "service unavailable")
	}
	b := img.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	area := 0
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx()/2; x++ {
			mask.SetGray(x, y, color.Gray{Y: 255})
			area++
		}
	}
	return &segment.Selection{
		Candidate: segment.Candidate{Mask: mask, Area: area, Score: 0.5, HasScore: true},
		Count:     1,
	}, nil
}

var defaultOpts = Options{Segment: segment.Options{PickMode: segment.PickLargest, MaxMasks: 5}}

// writeViews creates one PNG per name; the i-th name is (4+i) pixels wide.
func writeViews(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i, name := range names {
		img := image.NewRGBA(image.Rect(0, 0, 4+i, 3))
		for p := range img.Pix {
			img.Pix[p] = 0xc0
		}
		path := filepath.Join(dir, name)
		if err := imageio.SavePNG(img, path); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
	}
	return paths
}

func TestBuildStagesEveryView(t *testing.T) {
	// Written in an order that differs from natural order.
	files := writeViews(t, "view1.png", "view10.png", "view2.png")
	ext := &fakeExtractor{}
	opts := defaultOpts
	opts.BaseDir = t.TempDir()

	var fractions []float64
	res, err := Build(context.Background(), files, "object", ext, opts, func(f float64, _ string) {
		fractions = append(fractions, f)
	})
	if err != nil {
		t.Fatalf("Build() unexpected error: %v", err)
	}

	if filepath.Dir(res.WorkDir) != opts.BaseDir || !filepath.IsAbs(res.InputDir) {
		t.Errorf("unexpected work dir %q / input dir %q", res.WorkDir, res.InputDir)
	}
	if ext.calls != 3 {
		t.Errorf("extractor calls = %d, want 3", ext.calls)
	}
	wantFractions := []float64{1.0 / 3, 2.0 / 3, 1}
	for i := range wantFractions {
		if i >= len(fractions) || fractions[i] != wantFractions[i] {
			t.Fatalf("progress = %v, want %v", fractions, wantFractions)
		}
	}

	// Natural order: view1 (w=4), view2 (w=6), view10 (w=5).
	wantWidths := []int{4, 6, 5}
	for _, sub := range []string{"images", "object"} {
		entries, err := os.ReadDir(filepath.Join(res.InputDir, sub))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 3 {
			t.Errorf("%s has %d files, want 3", sub, len(entries))
		}
	}

	for i, want := range wantWidths {
		name := []string{"0.png", "1.png", "2.png"}[i]
		img, err := imageio.Decode(filepath.Join(res.InputDir, "images", name))
		if err != nil {
			t.Fatalf("view %d: %v", i, err)
		}
		if got := img.Bounds().Dx(); got != want {
			t.Errorf("images/%d.png width = %d, want %d", i, got, want)
		}
		if _, ok := img.(*image.RGBA); !ok {
			t.Errorf("images/%d.png decoded as %T, want RGB", i, img)
		}
		if res.ImagePaths[i] != filepath.Join(res.InputDir, "images", name) {
			t.Errorf("ImagePaths[%d] = %q", i, res.ImagePaths[i])
		}

		masked, err := imageio.Decode(filepath.Join(res.InputDir, "object", name))
		if err != nil {
			t.Fatalf("mask %d: %v", i, err)
		}
		nrgba, ok := masked.(*image.NRGBA)
		if !ok {
			t.Fatalf("object/%d.png decoded as %T, want NRGBA", i, masked)
		}
		if a := nrgba.NRGBAAt(0, 0).A; a != 255 {
			t.Errorf("object/%d.png left alpha = %d, want 255", i, a)
		}
		if a := nrgba.NRGBAAt(want-1, 0).A; a != 0 {
			t.Errorf("object/%d.png right alpha = %d, want 0", i, a)
		}
		if c := nrgba.NRGBAAt(want-1, 0); c.R != 0xc0 {
			t.Errorf("object/%d.png color not preserved under zero alpha: %+v", i, c)
		}

		v := res.Views[i]
		if v.Index != i || v.Width != want || v.MaskArea != (want/2)*3 || !v.HasScore {
			t.Errorf("Views[%d] = %+v", i, v)
		}
	}
	if filepath.Base(res.Views[1].Source) != "view2.png" {
		t.Errorf("Views[1].Source = %q, want view2.png", res.Views[1].Source)
	}
}

// fullExtractor selects the whole view.
type fullExtractor struct{}

func (fullExtractor) ExtractMainObject(ctx context.Context, img image.Image, opts segment.Options) (*segment.Selection, error) {
	b := img.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for i := range mask.Pix {
		mask.Pix[i] = 255
	}
	return &segment.Selection{Candidate: segment.Candidate{Mask: mask, Area: b.Dx() * b.Dy()}, Count: 1}, nil
}

func TestBuildFullMaskKeepsAlphaChannel(t *testing.T) {
	opts := defaultOpts
	opts.BaseDir = t.TempDir()

	res, err := Build(context.Background(), writeViews(t, "a.png", "b.png"), "object", fullExtractor{}, opts, nil)
	if err != nil {
		t.Fatalf("Build() unexpected error: %v", err)
	}

	for _, name := range []string{"0.png", "1.png"} {
		data, err := os.ReadFile(filepath.Join(res.InputDir, "object", name))
		if err != nil {
			t.Fatal(err)
		}
		// IHDR color type: 6 is truecolor with alpha.
		if len(data) < 26 || data[25] != 6 {
			t.Errorf("object/%s is not an RGBA PNG", name)
		}
	}
}

func TestBuildDoesNotReorderInput(t *testing.T) {
	files := writeViews(t, "b.png", "a.png")
	before := append([]string(nil), files...)
	opts := defaultOpts
	opts.BaseDir = t.TempDir()

	if _, err := Build(context.Background(), files, "object", &fakeExtractor{}, opts, nil); err != nil {
		t.Fatalf("Build() unexpected error: %v", err)
	}
	for i := range files {
		if files[i] != before[i] {
			t.Errorf("files[%d] changed from %q to %q", i, before[i], files[i])
		}
	}
}

func TestBuildRejectsBeforeAnyWork(t *testing.T) {
	tests := []struct {
		name  string
		files int
		label string
	}{
		{"No images", 0, "object"},
		{"Single image", 1, "object"},
		{"Empty label", 2, ""},
		{"Reserved label", 2, "images"},
		{"Nested label", 2, "a/b"},
		{"Parent label", 2, ".."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names := []string{"0.png", "1.png"}[:tt.files]
			files := writeViews(t, names...)
			ext := &fakeExtractor{}
			base := t.TempDir()

			_, err := Build(context.Background(), files, tt.label, ext, Options{
				Segment: defaultOpts.Segment,
				BaseDir: base,
			}, nil)
			if runerr.KindOf(err) != runerr.KindValidation {
				t.Fatalf("Build() error = %v, want validation error", err)
			}
			if ext.calls != 0 {
				t.Errorf("extractor called %d times", ext.calls)
			}
			entries, _ := os.ReadDir(base)
			if len(entries) != 0 {
				t.Errorf("work directory created before validation: %v", entries)
			}
		})
	}
}

func TestBuildExtractorFailureLeavesPartialOutput(t *testing.T) {
	files := writeViews(t, "0.png", "1.png", "2.png")
	ext := &fakeExtractor{failAt: 2}
	base := t.TempDir()

	_, err := Build(context.Background(), files, "object", ext, Options{Segment: defaultOpts.Segment, BaseDir: base}, nil)
	if runerr.KindOf(err) != runerr.KindRetrieval {
		t.Fatalf("Build() error = %v, want retrieval error", err)
	}

	staged, _ := filepath.Glob(filepath.Join(base, "mv_input_*", "input", "images", "*.png"))
	if len(staged) != 1 {
		t.Errorf("staged images after failure = %v, want just 0.png", staged)
	}
}

func TestBuildUndecodableView(t *testing.T) {
	dir := t.TempDir()
	good := writeViews(t, "0.png")[0]
	bad := filepath.Join(dir, "1.png")
	os.WriteFile(bad, []byte("not an image"), 0o644)

	_, err := Build(context.Background(), []string{good, bad}, "object", &fakeExtractor{}, Options{Segment: defaultOpts.Segment, BaseDir: t.TempDir()}, nil)
	if runerr.KindOf(err) != runerr.KindValidation {
		t.Errorf("Build() error = %v, want validation error", err)
	}
}

func TestBuildCancelled(t *testing.T) {
	files := writeViews(t, "0.png", "1.png")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, files, "object", &fakeExtractor{}, Options{Segment: defaultOpts.Segment, BaseDir: t.TempDir()}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Build() error = %v, want context.Canceled", err)
	}
}

func TestValidateLabel(t *testing.T) {
	for _, label := range []string{"object", "stuffed toy", "mask_1"} {
		if err := ValidateLabel(label); err != nil {
			t.Errorf("ValidateLabel(%q) unexpected error: %v", label, err)
		}
	}
	for _, label := range []string{"", "  ", "images", ".", "..", "a/b", `a\b`} {
		if err := ValidateLabel(label); err == nil {
			t.Errorf("ValidateLabel(%q) expected error", label)
		}
	}
}
