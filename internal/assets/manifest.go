package assets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-lipsync/internal/viseme"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the optional descriptor at the root of an asset pack.
const ManifestFile = "avatar.yaml"

// Manifest describes a mouth-shape asset pack.
type Manifest struct {
	Metadata  Metadata  `yaml:"metadata"`
	Genders   Genders   `yaml:"genders"`
	Extension string    `yaml:"image_extension"`
	Visemes   []string  `yaml:"visemes,omitempty"`
	Image     ImageSpec `yaml:"image,omitempty"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type Genders struct {
	Male   string `yaml:"male"`
	Female string `yaml:"female"`
}

// ImageSpec records the expected frame size. Zero means unchecked.
type ImageSpec struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// ValidateManifest ensures the manifest contains required fields.
func ValidateManifest(m Manifest) error {
	if m.Metadata.Name == "" {
		return errors.New("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return errors.New("metadata.version is required")
	}
	if m.Genders.Male == "" || m.Genders.Female == "" {
		return errors.New("genders.male and genders.female are required")
	}
	if strings.ContainsAny(m.Genders.Male+m.Genders.Female, `/\`) {
		return errors.New("gender directories must be plain names")
	}
	if m.Extension != "" && !strings.HasPrefix(m.Extension, ".") {
		return fmt.Errorf("image_extension %q must start with a dot", m.Extension)
	}
	for _, v := range m.Visemes {
		if !viseme.ID(v).Valid() {
			return fmt.Errorf("visemes: %q is not a valid viseme id", v)
		}
	}
	if m.Image.Width < 0 || m.Image.Height < 0 {
		return errors.New("image dimensions must be >= 0")
	}
	return nil
}

// Required lists the ids the pack must provide, defaulting to all ten.
func (m Manifest) Required() []viseme.ID {
	if len(m.Visemes) == 0 {
		return viseme.All()
	}
	ids := make([]viseme.ID, 0, len(m.Visemes))
	for _, v := range m.Visemes {
		ids = append(ids, viseme.ID(v))
	}
	return ids
}
