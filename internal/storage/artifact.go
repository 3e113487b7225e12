package storage

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chrissnell/smpcalibrate/internal/calibration"
	"github.com/chrissnell/smpcalibrate/internal/smp"
)

// Artifact is the persisted coefficient vector consumed by downstream
// retrieval, together with the diagnostics of the fit that produced it.
type Artifact struct {
	Name      string            `yaml:"name"`
	RunID     string            `yaml:"run_id,omitempty"`
	CreatedAt time.Time         `yaml:"created_at"`
	Property  smp.Property      `yaml:"property"`
	Sites     []string          `yaml:"sites,omitempty"`
	Excluded  []string          `yaml:"excluded_sites,omitempty"`
	Model     calibration.Model `yaml:"model"`
}

// CoefficientSet converts the artifact into a registrable estimator set.
func (a Artifact) CoefficientSet() (smp.CoefficientSet, error) {
	return a.Model.CoefficientSet(a.Name)
}

// WriteArtifact encodes a as YAML.
func WriteArtifact(w io.Writer, a Artifact) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("failed to encode model artifact: %w", err)
	}
	return enc.Close()
}

// ReadArtifact decodes a YAML model artifact.
func ReadArtifact(r io.Reader) (Artifact, error) {
	var a Artifact
	if err := yaml.NewDecoder(r).Decode(&a); err != nil {
		return Artifact{}, fmt.Errorf("failed to decode model artifact: %w", err)
	}
	if a.Model.Form.Terms() != len(a.Model.Coefficients) {
		return Artifact{}, fmt.Errorf("model artifact %q: form %s with %d coefficients",
			a.Name, a.Model.Form, len(a.Model.Coefficients))
	}
	return a, nil
}

// SaveArtifact writes a to path.
func SaveArtifact(path string, a Artifact) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteArtifact(f, a); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadArtifact reads the artifact at path.
func LoadArtifact(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadArtifact(f)
}
