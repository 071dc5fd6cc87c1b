package assets

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/viseme"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 200, A: 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func newPack(t *testing.T, genders ...string) config.AssetsConfig {
	t.Helper()
	root := t.TempDir()
	for _, g := range genders {
		for _, id := range viseme.All() {
			writePNG(t, filepath.Join(root, g, string(id)+".png"), 4, 4)
		}
	}
	return config.AssetsConfig{Root: root, MaleDir: "male", FemaleDir: "female", Extension: ".png"}
}

func TestResolveAllImages(t *testing.T) {
	lib, err := Open(newPack(t, "male", "female"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	paths, err := lib.Resolve(Male, []viseme.ID{"00", "03", "00"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 distinct paths, got %v", paths)
	}
	if !strings.HasSuffix(paths["03"], filepath.Join("male", "03.png")) {
		t.Fatalf("unexpected path %s", paths["03"])
	}
	if problems := lib.Check(); len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
}

func TestMissingGenderDirectory(t *testing.T) {
	lib, err := Open(newPack(t, "female"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := lib.Dir(Male); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	if _, err := lib.Resolve(Male, []viseme.ID{"00"}); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	if _, err := lib.Dir(Female); err != nil {
		t.Fatalf("female dir should resolve: %v", err)
	}
}

func TestMissingImage(t *testing.T) {
	cfg := newPack(t, "male")
	if err := os.Remove(filepath.Join(cfg.Root, "male", "07.png")); err != nil {
		t.Fatal(err)
	}
	lib, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := lib.Resolve(Male, []viseme.ID{"00", "07"}); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	problems := lib.Check()
	var sawMissing bool
	for _, p := range problems {
		if p.Gender == Male && p.ID == "07" {
			sawMissing = true
		}
	}
	if !sawMissing {
		t.Fatalf("expected 07 reported, got %v", problems)
	}
}

func TestCheckSizeMismatch(t *testing.T) {
	cfg := newPack(t, "male", "female")
	writePNG(t, filepath.Join(cfg.Root, "female", "05.png"), 8, 8)
	lib, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	problems := lib.Check()
	if len(problems) != 1 || problems[0].ID != "05" {
		t.Fatalf("expected a single size problem, got %v", problems)
	}
}

const manifestYAML = `metadata:
  name: studio-avatar
  version: 1.0.0
  author: Loqa Labs
genders:
  male: man
  female: woman
image_extension: .png
image:
  width: 4
  height: 4
`

func TestManifestOverridesLayout(t *testing.T) {
	cfg := newPack(t, "man", "woman")
	if err := os.WriteFile(filepath.Join(cfg.Root, ManifestFile), []byte(manifestYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	lib, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if lib.Manifest() == nil || lib.Manifest().Metadata.Name != "studio-avatar" {
		t.Fatalf("manifest not loaded")
	}
	if _, err := lib.Dir(Male); err != nil {
		t.Fatalf("manifest gender dir not applied: %v", err)
	}
	if problems := lib.Check(); len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
}

func TestValidateManifest(t *testing.T) {
	if err := ValidateManifest(Manifest{}); err == nil {
		t.Fatalf("expected validation error")
	}
	m := Manifest{
		Metadata: Metadata{Name: "x", Version: "1"},
		Genders:  Genders{Male: "m", Female: "f"},
		Visemes:  []string{"00", "12"},
	}
	if err := ValidateManifest(m); err == nil {
		t.Fatalf("expected invalid viseme error")
	}
	m.Visemes = []string{"00", "01"}
	if err := ValidateManifest(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := m.Required(); len(got) != 2 {
		t.Fatalf("unexpected required ids %v", got)
	}
	m.Genders.Male = "../escape"
	if err := ValidateManifest(m); err == nil {
		t.Fatalf("expected path separator rejected")
	}
}
