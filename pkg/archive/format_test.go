package archive

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, TarGz, f)

	f, err = ParseFormat("tar.zst")
	require.NoError(t, err)
	assert.Equal(t, TarZst, f)

	_, err = ParseFormat("zip")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, Default, l)

	l, err = ParseLevel("best")
	require.NoError(t, err)
	assert.Equal(t, Best, l)

	_, err = ParseLevel("ultra")
	assert.Error(t, err)
}

func TestPlanDecoding(t *testing.T) {
	type wrapper struct {
		Format Format `json:"format" yaml:"format"`
		Level  Level  `json:"level" yaml:"level"`
	}

	var y wrapper
	require.NoError(t, yaml.Unmarshal([]byte("format: tar.zst\nlevel: fastest\n"), &y))
	assert.Equal(t, TarZst, y.Format)
	assert.Equal(t, Fastest, y.Level)

	var j wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"format":"tar.gz","level":"better"}`), &j))
	assert.Equal(t, TarGz, j.Format)
	assert.Equal(t, Better, j.Level)

	assert.Error(t, yaml.Unmarshal([]byte("format: rar\n"), &y))
}
