package job

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"io/ioutil"
	"path/filepath"
)

// Manifest lists jobs for a batch run.
//
//	jobs:
//	  - id: relax-1
//	    input: inputs/relax.in
//	    inputs:
//	      data/cu.lmpdat: local/cu.lmpdat
//	    outputs:
//	      - out/relax-1.dump
type Manifest struct {
	Jobs []ManifestEntry `yaml:"jobs"`
}

type ManifestEntry struct {
	ID      string            `yaml:"id"`
	Input   string            `yaml:"input"`
	Script  string            `yaml:"script"`
	Inputs  map[string]string `yaml:"inputs"`
	Outputs []string          `yaml:"outputs"`
}

// LoadManifest reads a manifest file. Relative input paths are resolved
// against the manifest's directory.
func LoadManifest(path string) ([]*Job, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	return ParseManifest(data, filepath.Dir(path))
}

func ParseManifest(data []byte, baseDir string) ([]*Job, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}

	jobs := make([]*Job, 0, len(manifest.Jobs))
	for i, entry := range manifest.Jobs {
		var input Input
		switch {
		case entry.Input != "" && entry.Script != "":
			return nil, errors.Errorf("job %d: input and script are mutually exclusive", i)
		case entry.Input != "":
			input = FromPath(resolve(baseDir, entry.Input))
		case entry.Script != "":
			input = FromBytes([]byte(entry.Script))
		default:
			return nil, errors.Errorf("job %d: missing input", i)
		}

		var opts []Option
		if entry.ID != "" {
			opts = append(opts, WithID(entry.ID))
		}
		for remote, local := range entry.Inputs {
			opts = append(opts, WithInputFile(remote, resolve(baseDir, local)))
		}
		for _, out := range entry.Outputs {
			opts = append(opts, WithOutputFile(out))
		}
		jobs = append(jobs, New(input, opts...))
	}
	return jobs, nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
