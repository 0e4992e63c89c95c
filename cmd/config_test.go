package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/flock/internal/config"
	"github.com/joescharf/flock/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	config.SetDefaults(viper.GetViper(), dir)
	t.Cleanup(viper.Reset)

	// Initialize output
	ui = &output.UI{Out: &bytes.Buffer{}, ErrOut: &bytes.Buffer{}}

	return dir
}

func stdout() string { return ui.Out.(*bytes.Buffer).String() }

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "flock configuration")
	assert.Contains(t, string(data), "ceiling_policy: reject")
}

func TestConfigInit_RoundTripsDefaults(t *testing.T) {
	dir := testEnv(t)
	require.NoError(t, configInitRun())

	want, err := config.Load(viper.GetViper())
	require.NoError(t, err)

	v := viper.New()
	config.SetDefaults(v, dir)
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, v.ReadInConfig())
	got, err := config.Load(v)
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("generated config changes effective values (-want +got):\n%s", diff)
	}
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = false
	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	t.Cleanup(func() { configForce = false })
	require.NoError(t, configInitRun())

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "flock configuration")
}

func TestConfigShow_Sources(t *testing.T) {
	dir := testEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("sessions:\n  max_concurrent: 2\n"), 0644))
	t.Setenv("FLOCK_SANDBOX_DRIVER", "local")

	require.NoError(t, configShowRun())
	out := stdout()
	assert.Contains(t, out, "sessions.max_concurrent")
	assert.Contains(t, out, "(file)")
	assert.Contains(t, out, "(env: FLOCK_SANDBOX_DRIVER)")
	assert.Contains(t, out, "(default)")
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "")
	t.Setenv("VISUAL", "")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "echo")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	t.Setenv("FLOCK_TEST_KEY", "val")
	assert.Contains(t, detectSource("test_key", "FLOCK_TEST_KEY", fileValues), "env")
	assert.Contains(t, detectSource("key_a", "FLOCK_KEY_A_NONEXISTENT", fileValues), "file")
	assert.Contains(t, detectSource("key_b", "FLOCK_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}

func TestLoadConfig_VerboseForcesDebug(t *testing.T) {
	testEnv(t)
	verbose = true
	t.Cleanup(func() { verbose = false })
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sk-test", cfg.Anthropic.APIKey)
}

func TestLoadConfig_Invalid(t *testing.T) {
	testEnv(t)
	viper.Set("sessions.ceiling_policy", "queue")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessions.ceiling_policy")
}
