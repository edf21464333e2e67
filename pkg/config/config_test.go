package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
jobs:
  kbuild-gcc:
    name: kbuild-gcc
    kind: kbuild
    runtime: k8s
    frequency: 1d2h30m
    architecture_filter: [x86_64, arm64]
    params:
      arch: x86_64
    fragments: [debug_config]
platforms:
  qemu-x86:
    name: qemu-x86
    lab_type: shell
build_configs:
  mainline-master:
    tree: mainline
    branch: master
    priority: 10
trees:
  mainline:
    url: https://git.kernel.org/mainline.git
fragments:
  debug_config:
    CONFIG_DEBUG_INFO: "y"
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeTemp(t, "pipeline.yaml", sampleCatalog)
	cat, err := LoadCatalog(path)
	require.NoError(t, err)

	job, ok := cat.Jobs["kbuild-gcc"]
	require.True(t, ok)
	assert.Equal(t, "kbuild", job.Kind)
	assert.Equal(t, []string{"x86_64", "arm64"}, job.ArchitectureFilter)

	priority := cat.TreePriority("mainline", "master")
	require.NotNil(t, priority)
	assert.Equal(t, 10, *priority)

	assert.Nil(t, cat.TreePriority("mainline", "nonexistent"))

	fragments := cat.ResolveFragments([]string{"debug_config", "missing"})
	assert.Len(t, fragments, 1)
	assert.Equal(t, "y", fragments["debug_config"]["CONFIG_DEBUG_INFO"])
}

const sampleSettings = `
[jwt]
secret = "topsecret"

[lab.broonie]
runtime_token = "rt-broonie"
callback_token = "cb-broonie"

[lab.collabora]
callback_token = "cb-collabora"
`

func TestLoadSettings(t *testing.T) {
	path := writeTemp(t, "kernelci.toml", sampleSettings)
	settings, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "topsecret", settings.JWT.Secret)

	lab, ok := settings.LabByToken("rt-broonie")
	require.True(t, ok)
	assert.Equal(t, "broonie", lab)

	lab, ok = settings.LabByToken("cb-collabora")
	require.True(t, ok)
	assert.Equal(t, "collabora", lab)

	_, ok = settings.LabByToken("unknown")
	assert.False(t, ok)
}
