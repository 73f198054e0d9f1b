// Package job describes units of work handed to an engine
package job

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Input is the engine input of a job: either a file on disk or raw bytes.
type Input struct {
	path string
	data []byte
}

// FromPath uses the file at path as engine input. The file is read when the
// job is staged, not when the Input is created.
func FromPath(path string) Input {
	return Input{path: path}
}

// FromBytes uses data as engine input. data is copied.
func FromBytes(data []byte) Input {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Input{data: buf}
}

func (in Input) IsPath() bool {
	return in.path != ""
}

func (in Input) Path() string {
	return in.path
}

// Bytes returns a copy of the in-memory input, nil for path inputs.
func (in Input) Bytes() []byte {
	if in.data == nil {
		return nil
	}
	buf := make([]byte, len(in.data))
	copy(buf, in.data)
	return buf
}

// WriteFile materializes the input at dst. The content is written to a
// temporary sibling first and renamed into place, so a watcher of dst never
// observes a partially written file.
func (in Input) WriteFile(dst string) error {
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create %v", tmp)
	}

	if in.IsPath() {
		err = copyInto(f, in.path)
	} else {
		_, err = f.Write(in.data)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "write input to %v", dst)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "rename %v", tmp)
	}
	return nil
}

func copyInto(w io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(w, src)
	return err
}

// Transfer is one file moved between the submitting host and the execution
// host. On a shared filesystem Local and Remote name the same namespace.
type Transfer struct {
	Local  string
	Remote string
}

// IOFiles is the set of files a job reads and writes besides its input.
type IOFiles struct {
	inputs  map[string]string // remote name -> local path
	outputs []string          // remote names, sorted
}

// NewIOFiles builds an IOFiles value. Both arguments are copied.
func NewIOFiles(inputs map[string]string, outputs []string) IOFiles {
	files := IOFiles{inputs: make(map[string]string, len(inputs))}
	for remote, local := range inputs {
		files.inputs[remote] = local
	}

	seen := make(map[string]bool, len(outputs))
	for _, name := range outputs {
		if !seen[name] {
			seen[name] = true
			files.outputs = append(files.outputs, name)
		}
	}
	sort.Strings(files.outputs)
	return files
}

// Inputs returns a copy of the remote name -> local path mapping.
func (f IOFiles) Inputs() map[string]string {
	inputs := make(map[string]string, len(f.inputs))
	for remote, local := range f.inputs {
		inputs[remote] = local
	}
	return inputs
}

// Outputs returns the sorted remote names of the declared output files.
func (f IOFiles) Outputs() []string {
	return append([]string(nil), f.outputs...)
}

// InputTransfers lists the uploads needed to make the inputs visible remotely.
func (f IOFiles) InputTransfers() []Transfer {
	remotes := make([]string, 0, len(f.inputs))
	for remote := range f.inputs {
		remotes = append(remotes, remote)
	}
	sort.Strings(remotes)

	transfers := make([]Transfer, 0, len(remotes))
	for _, remote := range remotes {
		transfers = append(transfers, Transfer{Local: f.inputs[remote], Remote: remote})
	}
	return transfers
}

// OutputTransfers lists the downloads that bring outputs back under the same
// name on the submitting host.
func (f IOFiles) OutputTransfers() []Transfer {
	transfers := make([]Transfer, 0, len(f.outputs))
	for _, name := range f.outputs {
		transfers = append(transfers, Transfer{Local: name, Remote: name})
	}
	return transfers
}

// OutputDirs returns the distinct parent directories of the output files,
// excluding the current directory.
func (f IOFiles) OutputDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, name := range f.outputs {
		dir := filepath.Dir(name)
		if dir == "." || dir == "/" || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return dirs
}

// With returns a copy of f with one more input file.
func (f IOFiles) With(remote, local string) IOFiles {
	inputs := f.Inputs()
	inputs[remote] = local
	return NewIOFiles(inputs, f.outputs)
}

// Job is an immutable unit of work.
type Job struct {
	id    string
	input Input
	files IOFiles
}

type Option func(*builder)

type builder struct {
	id      string
	inputs  map[string]string
	outputs []string
}

// WithID overrides the generated job id.
func WithID(id string) Option {
	return func(b *builder) { b.id = id }
}

// WithInputFile declares a file the engine reads: local is staged to remote.
func WithInputFile(remote, local string) Option {
	return func(b *builder) { b.inputs[remote] = local }
}

// WithOutputFile declares a file the engine writes.
func WithOutputFile(remote string) Option {
	return func(b *builder) { b.outputs = append(b.outputs, remote) }
}

func New(input Input, opts ...Option) *Job {
	b := &builder{
		id:     uuid.New().String(),
		inputs: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}

	return &Job{
		id:    b.id,
		input: input,
		files: NewIOFiles(b.inputs, b.outputs),
	}
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) Input() Input {
	return j.input
}

func (j *Job) Files() IOFiles {
	return j.files
}
