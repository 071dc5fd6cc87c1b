// Package assets resolves mouth-shape images on disk.
package assets

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/viseme"
)

// ErrMissing marks an absent asset directory or image.
var ErrMissing = errors.New("asset missing")

type Gender int

const (
	Female Gender = 0
	Male   Gender = 1
)

func (g Gender) Valid() bool { return g == Female || g == Male }

func (g Gender) String() string {
	switch g {
	case Female:
		return "female"
	case Male:
		return "male"
	default:
		return fmt.Sprintf("gender(%d)", int(g))
	}
}

// Library is a read-only view over {root}/{gender dir}/{id}{ext}.
type Library struct {
	root      string
	dirs      map[Gender]string
	extension string
	manifest  *Manifest
}

// Open builds a library from config, applying avatar.yaml when present.
func Open(cfg config.AssetsConfig) (*Library, error) {
	lib := &Library{
		root:      cfg.Root,
		dirs:      map[Gender]string{Male: cfg.MaleDir, Female: cfg.FemaleDir},
		extension: cfg.Extension,
	}
	if lib.extension == "" {
		lib.extension = ".png"
	}

	path := filepath.Join(cfg.Root, ManifestFile)
	m, err := LoadManifest(path)
	switch {
	case err == nil:
		if err := ValidateManifest(m); err != nil {
			return nil, fmt.Errorf("asset manifest %s: %w", path, err)
		}
		lib.manifest = &m
		lib.dirs[Male] = m.Genders.Male
		lib.dirs[Female] = m.Genders.Female
		if m.Extension != "" {
			lib.extension = m.Extension
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("asset manifest %s: %w", path, err)
	}
	return lib, nil
}

func (l *Library) Root() string { return l.root }

// Manifest returns the loaded manifest, or nil when the pack has none.
func (l *Library) Manifest() *Manifest { return l.manifest }

// Dir returns the image directory for gender and checks that it exists.
func (l *Library) Dir(g Gender) (string, error) {
	name, ok := l.dirs[g]
	if !ok {
		return "", fmt.Errorf("unknown gender %d", int(g))
	}
	dir := filepath.Join(l.root, name)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s directory %s does not exist", ErrMissing, g, dir)
		}
		return "", fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrMissing, dir)
	}
	return dir, nil
}

// Path returns where the image for id lives, without checking it.
func (l *Library) Path(g Gender, id viseme.ID) string {
	return filepath.Join(l.root, l.dirs[g], string(id)+l.extension)
}

// Resolve checks every id and returns its image path. The first missing image
// fails the whole call.
func (l *Library) Resolve(g Gender, ids []viseme.ID) (map[viseme.ID]string, error) {
	if _, err := l.Dir(g); err != nil {
		return nil, err
	}
	paths := make(map[viseme.ID]string, len(ids))
	for _, id := range ids {
		if _, ok := paths[id]; ok {
			continue
		}
		p := l.Path(g, id)
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: viseme %s image %s", ErrMissing, id, p)
			}
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%w: viseme %s path %s is a directory", ErrMissing, id, p)
		}
		paths[id] = p
	}
	return paths, nil
}

// Problem is one finding from Check.
type Problem struct {
	Gender Gender
	ID     viseme.ID
	Path   string
	Err    error
}

func (p Problem) String() string {
	if p.ID == "" {
		return fmt.Sprintf("%s: %v", p.Gender, p.Err)
	}
	return fmt.Sprintf("%s/%s (%s): %v", p.Gender, p.ID, p.Path, p.Err)
}

// Check audits both genders for every required id. Each image must decode
// and, within a gender, all images must share one size so blends line up.
func (l *Library) Check() []Problem {
	required := viseme.All()
	if l.manifest != nil {
		required = l.manifest.Required()
	}
	var problems []Problem
	for _, g := range []Gender{Female, Male} {
		if _, err := l.Dir(g); err != nil {
			problems = append(problems, Problem{Gender: g, Err: err})
			continue
		}
		var size image.Point
		for _, id := range required {
			p := l.Path(g, id)
			cfg, err := decodeConfig(p)
			if err != nil {
				problems = append(problems, Problem{Gender: g, ID: id, Path: p, Err: err})
				continue
			}
			current := image.Point{X: cfg.Width, Y: cfg.Height}
			if size == (image.Point{}) {
				size = current
			} else if current != size {
				problems = append(problems, Problem{Gender: g, ID: id, Path: p,
					Err: fmt.Errorf("size %dx%d differs from %dx%d", current.X, current.Y, size.X, size.Y)})
			}
			if l.manifest != nil && l.manifest.Image.Width > 0 &&
				(cfg.Width != l.manifest.Image.Width || cfg.Height != l.manifest.Image.Height) {
				problems = append(problems, Problem{Gender: g, ID: id, Path: p,
					Err: fmt.Errorf("size %dx%d does not match manifest %dx%d",
						cfg.Width, cfg.Height, l.manifest.Image.Width, l.manifest.Image.Height)})
			}
		}
	}
	return problems
}

func decodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return image.Config{}, ErrMissing
		}
		return image.Config{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, fmt.Errorf("decode: %w", err)
	}
	return cfg, nil
}
