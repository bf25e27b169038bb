package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "semflow.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	data, err := readConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	_, err = readConfigFile("../outside.json")
	assert.ErrorContains(t, err, "leaves the working directory")

	_, err = readConfigFile(dir + "/notes.txt")
	assert.ErrorContains(t, err, ".json, .yaml or .yml")

	sub := filepath.Join(dir, "dir.yaml")
	require.NoError(t, os.Mkdir(sub, 0o700))
	_, err = readConfigFile(sub)
	assert.ErrorContains(t, err, "not a regular file")

	big := filepath.Join(dir, "big.json")
	require.NoError(t, os.WriteFile(big, make([]byte, maxConfigSize+1), 0o600))
	_, err = readConfigFile(big)
	assert.ErrorContains(t, err, "limit is")
}

func TestCheckJSONDepth(t *testing.T) {
	assert.NoError(t, checkJSONDepth([]byte(`{"a":[{"b":"[[[["}]}`)))
	deep := strings.Repeat(`{"a":`, maxJSONDepth+1) + "1" + strings.Repeat("}", maxJSONDepth+1)
	assert.Error(t, checkJSONDepth([]byte(deep)))
}

func TestCheckEnvValue(t *testing.T) {
	assert.NoError(t, checkEnvValue("SEMFLOW_X", "value"))
	assert.Error(t, checkEnvValue("SEMFLOW_X", "a\x00b"))
	assert.Error(t, checkEnvValue("SEMFLOW_X", strings.Repeat("x", maxEnvVarLen+1)))
}
