package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monorail-dev/monorail/internal/errors"
)

func TestTaskIDString(t *testing.T) {
	id := TaskID{Package: "web", Task: "build"}
	assert.Equal(t, "web#build", id.String())
}

func TestTaskDefinitionCacheEnabled(t *testing.T) {
	var def TaskDefinition
	assert.True(t, def.CacheEnabled(), "caching defaults to on")

	off := false
	def.Cache = &off
	assert.False(t, def.CacheEnabled())

	on := true
	def.Cache = &on
	assert.True(t, def.CacheEnabled())
}

func TestTaskDefinitionTimeout(t *testing.T) {
	var def TaskDefinition
	d, err := def.TimeoutDuration()
	require.NoError(t, err)
	assert.Zero(t, d)

	def.Timeout = "2m"
	d, err = def.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, "2m0s", d.String())

	def.Timeout = "soon"
	_, err = def.TimeoutDuration()
	assert.Error(t, err)
}

func TestPipelineUnmarshal(t *testing.T) {
	raw := `{
	  "build": {"dependsOn": ["^build"], "outputs": ["dist/**"], "env": ["NODE_ENV"]},
	  "test": {"dependsOn": ["build"], "cache": false},
	  "dev": {"persistent": true}
	}`

	var pl Pipeline
	require.NoError(t, json.Unmarshal([]byte(raw), &pl))

	assert.Equal(t, []string{"^build"}, pl.Task("build").DependsOn)
	assert.False(t, pl.Task("test").CacheEnabled())
	assert.True(t, pl.Task("dev").Persistent)
	assert.True(t, pl.Task("lint").CacheEnabled(), "unknown tasks get the zero definition")
}

func TestPipelineValidate(t *testing.T) {
	tests := []struct {
		name     string
		pipeline Pipeline
		wantCode errors.ErrorCode
	}{
		{
			name:     "valid",
			pipeline: Pipeline{"build": {DependsOn: []string{"^build", "codegen"}}},
		},
		{
			name:     "empty reference",
			pipeline: Pipeline{"build": {DependsOn: []string{"^"}}},
			wantCode: errors.ErrCodePipelineInvalid,
		},
		{
			name:     "bad timeout",
			pipeline: Pipeline{"build": {Timeout: "fast"}},
			wantCode: errors.ErrCodePipelineInvalid,
		},
		{
			name: "persistent dependency",
			pipeline: Pipeline{
				"dev":   {Persistent: true},
				"build": {DependsOn: []string{"^dev"}},
			},
			wantCode: errors.ErrCodePipelinePersistentDep,
		},
		{
			name:     "escaping output pattern",
			pipeline: Pipeline{"build": {Outputs: []string{"../dist/**"}}},
			wantCode: errors.ErrCodePipelineOutputsInvalid,
		},
		{
			name:     "absolute input pattern",
			pipeline: Pipeline{"build": {Inputs: []string{"/etc/passwd"}}},
			wantCode: errors.ErrCodePipelineOutputsInvalid,
		},
		{
			name:     "excluded output pattern stays relative",
			pipeline: Pipeline{"build": {Outputs: []string{"dist/**", "!dist/cache/**"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pipeline.Validate()
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.CodeOf(err))
		})
	}
}
