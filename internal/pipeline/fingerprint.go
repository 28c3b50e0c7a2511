package pipeline

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"

	"github.com/nth190/liheap-data-engineering/internal/artifact"
	"github.com/nth190/liheap-data-engineering/internal/config"
	"github.com/nth190/liheap-data-engineering/internal/source"
)

// fingerprintVersion changes whenever artifact layouts change.
const fingerprintVersion = 1

// fingerprint hashes a stage's configuration section and inputs.
func fingerprint(stage string, section any, inputs []artifact.FileHash) (string, error) {
	sorted := append([]artifact.FileHash(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	data, err := json.Marshal(struct {
		Version int                 `json:"version"`
		Stage   string              `json:"stage"`
		Config  any                 `json:"config"`
		Inputs  []artifact.FileHash `json:"inputs"`
	}{fingerprintVersion, stage, section, sorted})
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", stage, err)
	}
	return artifact.HashBytes(data), nil
}

// rawInputs hashes every raw file of every dataset.
func rawInputs(inputDir string, cfg *config.Pipeline) ([]artifact.FileHash, error) {
	var out []artifact.FileHash
	for _, ds := range cfg.Datasets {
		files, err := source.Discover(inputDir, ds.Files)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			sum, err := artifact.HashFile(f.Path)
			if err != nil {
				return nil, err
			}
			out = append(out, artifact.FileHash{Path: path.Join("raw", ds.Name, f.Rel), SHA256: sum})
		}
	}
	return out, nil
}

// upstreamInputs lists the outputs of committed upstream manifests.
func upstreamInputs(manifests map[string]*artifact.Manifest) []artifact.FileHash {
	var out []artifact.FileHash
	for stage, m := range manifests {
		for _, f := range m.Outputs {
			out = append(out, artifact.FileHash{Path: path.Join(stage, f.Path), SHA256: f.SHA256, Rows: f.Rows})
		}
	}
	return out
}

func crosswalkInput(cfg *config.Pipeline, sha string) artifact.FileHash {
	return artifact.FileHash{Path: path.Join("crosswalk", filepath.ToSlash(cfg.Crosswalk.File)), SHA256: sha}
}
