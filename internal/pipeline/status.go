package pipeline

import (
	"errors"

	"github.com/nth190/liheap-data-engineering/internal/artifact"
	"github.com/nth190/liheap-data-engineering/pkg/core"
)

// Artifact states reported by Stages.
const (
	ArtifactMissing  = "missing"
	ArtifactVerified = "verified"
	ArtifactInvalid  = "invalid"
)

// StageInfo describes a stage and its committed artifact.
type StageInfo struct {
	Name      string
	DependsOn []string
	Artifact  string
	// Problem explains an invalid artifact.
	Problem     string
	Fingerprint string
	Outputs     []artifact.FileHash
	LastRun     *core.StageRun
	Failure     *FailureReport
}

// Stages returns every stage in execution order with the state of its
// artifact on disk and its latest recorded run.
func (e *Engine) Stages() ([]StageInfo, error) {
	order, err := e.graph.TopologicalSort()
	if err != nil {
		return nil, err
	}
	infos := make([]StageInfo, 0, len(order))
	for _, node := range order {
		info := StageInfo{
			Name:      node.ID,
			DependsOn: e.graph.Parents(node.ID),
			Artifact:  ArtifactVerified,
		}
		m, err := artifact.Verify(e.stageDir(node.ID))
		switch {
		case errors.Is(err, artifact.ErrNoManifest):
			info.Artifact = ArtifactMissing
		case err != nil:
			info.Artifact = ArtifactInvalid
			info.Problem = err.Error()
		default:
			info.Fingerprint = m.Fingerprint
			info.Outputs = m.Outputs
		}

		last, err := e.store.GetLatestStageRun(node.ID)
		if err != nil {
			return nil, err
		}
		info.LastRun = last
		if f, err := ReadFailure(e.outputDir, node.ID); err == nil {
			info.Failure = f
		}
		infos = append(infos, info)
	}
	return infos, nil
}
