package commands

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunOptions_CheckStages(t *testing.T) {
	tests := []struct {
		name    string
		opts    RunOptions
		wantErr string
	}{
		{name: "all", opts: RunOptions{All: true}},
		{name: "one stage", opts: RunOptions{Stages: []string{"enrich"}}},
		{name: "several stages", opts: RunOptions{Stages: []string{"validate", "aggregate"}}},
		{name: "nothing selected", opts: RunOptions{}, wantErr: "specify --all"},
		{name: "both", opts: RunOptions{All: true, Stages: []string{"enrich"}}, wantErr: "mutually exclusive"},
		{name: "unknown", opts: RunOptions{Stages: []string{"publish"}}, wantErr: `unknown stage "publish"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.checkStages()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
			assert.True(t, errors.Is(err, ErrUsage))
		})
	}
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortHash("0123456789abcdef"))
	assert.Equal(t, "abc", shortHash("abc"))
}
