package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunVersionDefault(t *testing.T) {
	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)

	require.NoError(t, runVersion(c, nil))
	assert.Contains(t, buf.String(), "monorail ")
}

func TestRunVersionJSON(t *testing.T) {
	versionJSON = true
	defer func() { versionJSON = false }()

	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)

	require.NoError(t, runVersion(c, nil))

	var info map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.NotEmpty(t, info["Version"])
	assert.NotEmpty(t, info["GoVersion"])
	assert.NotEmpty(t, info["Platform"])
}

func TestRunVersionVerbose(t *testing.T) {
	versionVerbose = true
	defer func() { versionVerbose = false }()

	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)

	require.NoError(t, runVersion(c, nil))
	assert.Contains(t, buf.String(), "Monorail")
	assert.Contains(t, buf.String(), "built")
}
