package job

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestInput_WriteFileFromBytes(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "in")

	data := []byte("run 100\n")
	in := FromBytes(data)
	data[0] = 'X' // caller mutation must not leak into the job

	require.NoError(t, in.WriteFile(dst))
	got, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "run 100\n", string(got))

	_, err = os.Stat(dst + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestInput_WriteFileFromPath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.in")
	require.NoError(t, ioutil.WriteFile(src, []byte("minimize"), 0644))

	in := FromPath(src)
	assert.True(t, in.IsPath())
	assert.Nil(t, in.Bytes())

	dst := filepath.Join(dir, "in")
	require.NoError(t, in.WriteFile(dst))
	got, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "minimize", string(got))
}

func TestInput_WriteFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "in")

	err := FromPath(filepath.Join(dir, "missing")).WriteFile(dst)
	assert.Error(t, err)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dst + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestJob_FilesAreCopied(t *testing.T) {
	j := New(FromBytes([]byte("x")),
		WithInputFile("data/a.lmpdat", "/tmp/a.lmpdat"),
		WithOutputFile("out/b.dump"),
		WithOutputFile("out/a.dump"),
		WithOutputFile("out/a.dump"),
		WithOutputFile("log.txt"),
	)
	assert.NotEmpty(t, j.ID())

	outputs := j.Files().Outputs()
	assert.Equal(t, []string{"log.txt", "out/a.dump", "out/b.dump"}, outputs)
	outputs[0] = "changed"
	assert.Equal(t, "log.txt", j.Files().Outputs()[0])

	inputs := j.Files().Inputs()
	inputs["other"] = "x"
	assert.Len(t, j.Files().Inputs(), 1)

	assert.Equal(t, []string{"out"}, j.Files().OutputDirs())
	assert.Equal(t, []Transfer{{Local: "/tmp/a.lmpdat", Remote: "data/a.lmpdat"}}, j.Files().InputTransfers())
	assert.Len(t, j.Files().OutputTransfers(), 3)
}

func TestIOFiles_With(t *testing.T) {
	files := NewIOFiles(map[string]string{"a": "la"}, []string{"o"})
	more := files.With("b", "lb")

	assert.Len(t, files.Inputs(), 1)
	assert.Equal(t, map[string]string{"a": "la", "b": "lb"}, more.Inputs())
	assert.Equal(t, []string{"o"}, more.Outputs())
}

func TestParseManifest(t *testing.T) {
	data := []byte(`
jobs:
  - id: relax
    input: inputs/relax.in
    inputs:
      data/cu.lmpdat: local/cu.lmpdat
    outputs:
      - out/relax.dump
  - script: |
      write out/x.txt hello
`)
	jobs, err := ParseManifest(data, "/base")
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "relax", jobs[0].ID())
	assert.Equal(t, "/base/inputs/relax.in", jobs[0].Input().Path())
	assert.Equal(t, map[string]string{"data/cu.lmpdat": "/base/local/cu.lmpdat"}, jobs[0].Files().Inputs())
	assert.Equal(t, []string{"out/relax.dump"}, jobs[0].Files().Outputs())

	assert.False(t, jobs[1].Input().IsPath())
	assert.Equal(t, "write out/x.txt hello\n", string(jobs[1].Input().Bytes()))
}

func TestParseManifest_Invalid(t *testing.T) {
	_, err := ParseManifest([]byte("jobs:\n  - id: nothing\n"), "")
	assert.Error(t, err)

	_, err = ParseManifest([]byte("jobs:\n  - input: a\n    script: b\n"), "")
	assert.Error(t, err)

	_, err = ParseManifest([]byte("jobs: ["), "")
	assert.Error(t, err)
}
