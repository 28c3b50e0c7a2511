// Package artifact writes and reads the on-disk outputs of pipeline stages.
//
// Each stage owns one directory under the output root. A stage's files are
// written to a staging directory and committed with a rename, so a reader
// sees either the previous complete artifact or the new one. Every committed
// directory carries a manifest.yaml with the content hash of each file and
// the stage fingerprint. Manifests hold no timestamps, so identical inputs
// produce byte-identical artifacts.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// ManifestFile is the manifest name inside a stage directory.
const ManifestFile = "manifest.yaml"

// ErrNoManifest is returned when a stage directory has no committed manifest.
var ErrNoManifest = errors.New("no committed manifest")

// FileHash describes one file of an artifact.
type FileHash struct {
	Path   string `yaml:"path"`
	SHA256 string `yaml:"sha256"`
	// Rows counts data rows for tabular files.
	Rows int `yaml:"rows,omitempty"`
}

// Manifest describes a committed stage artifact.
type Manifest struct {
	Stage       string `yaml:"stage"`
	Fingerprint string `yaml:"fingerprint"`
	// Inputs are the raw files or upstream outputs the stage consumed.
	Inputs  []FileHash `yaml:"inputs,omitempty"`
	Outputs []FileHash `yaml:"outputs"`
}

// Output returns the output entry for path.
func (m *Manifest) Output(path string) (FileHash, bool) {
	for _, f := range m.Outputs {
		if f.Path == path {
			return f, true
		}
	}
	return FileHash{}, false
}

// ReadManifest loads the manifest of a stage directory.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, core.WrapIO("read", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, core.WrapIO("parse", path, err)
	}
	return &m, nil
}

// Verify loads the manifest of dir and checks every output against its
// recorded hash.
func Verify(dir string) (*Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range m.Outputs {
		path := filepath.Join(dir, f.Path)
		sum, err := HashFile(path)
		if err != nil {
			return nil, err
		}
		if sum != f.SHA256 {
			return nil, core.WrapIO("verify", path, fmt.Errorf("hash mismatch: manifest %s, file %s", f.SHA256, sum))
		}
	}
	return m, nil
}

// HashFile returns the hex sha256 of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", core.WrapIO("open", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", core.WrapIO("read", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeManifest(m *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
