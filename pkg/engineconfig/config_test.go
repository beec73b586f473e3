package engineconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/simengine/pkg/engineconfig"
)

func TestParseFlags_RequiresExperimentID(t *testing.T) {
	_, err := engineconfig.ParseFlags([]string{"-orchestrator-url", "localhost:9000"})
	require.Error(t, err)
}

func TestParseFlags_RejectsInvalidUUID(t *testing.T) {
	_, err := engineconfig.ParseFlags([]string{"-experiment-id", "not-a-uuid", "-orchestrator-url", "localhost:9000"})
	require.Error(t, err)
}

func TestParseFlags_AppliesDefaults(t *testing.T) {
	args, err := engineconfig.ParseFlags([]string{
		"-experiment-id", "5f0f3a2e-9e9a-4a8a-9f9a-111111111111",
		"-orchestrator-url", "localhost:9000",
	})
	require.NoError(t, err)
	require.Equal(t, 1, args.MaxWorkers)
	require.True(t, args.Persist)
	langs := args.Languages()
	require.Len(t, langs, 2)
}

func TestParseFlags_MaxWorkersMustBePositive(t *testing.T) {
	_, err := engineconfig.ParseFlags([]string{
		"-experiment-id", "5f0f3a2e-9e9a-4a8a-9f9a-111111111111",
		"-orchestrator-url", "localhost:9000",
		"-max-workers", "0",
	})
	require.Error(t, err)
}

func TestLoadManifest_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	content := "seed: 42\ndatasets:\n  - name: agents\n    source: mem://agents\npackages:\n  - id: p1\n    type: init\n    name: seed_agents\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "experiment.yaml"), []byte(content), 0o644))

	m, err := engineconfig.LoadManifest(dir)
	require.NoError(t, err)
	require.EqualValues(t, 42, m.Seed)
	require.Len(t, m.Datasets, 1)
	require.Equal(t, "agents", m.Datasets[0].Name)
	require.Len(t, m.Packages, 1)
	require.Equal(t, "init", m.Packages[0].Type)
}

func TestLoadManifest_MissingFileFails(t *testing.T) {
	_, err := engineconfig.LoadManifest(t.TempDir())
	require.Error(t, err)
}
