// Package stubengine is a stand-in engine speaking the drop-file protocol
package stubengine

import (
	"bufio"
	"bytes"
	"context"
	"enginepool/pkg/sysexec"
	"fmt"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CrashError makes the engine exit with Code, leaving the pending job behind.
type CrashError struct {
	Code int
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("crash with code %d", e.Code)
}

// Exec interprets a job script. One command per line:
//
//	sleep <duration>
//	write <path> <text...>
//	echo <text...>
//	crash <code>
//
// Blank lines and lines starting with # are ignored.
func Exec(ctx context.Context, script []byte, stdout io.Writer) error {
	scanner := bufio.NewScanner(bytes.NewReader(script))
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		args := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

		var err error
		switch fields[0] {
		case "sleep":
			var d time.Duration
			if d, err = time.ParseDuration(args); err == nil {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case "write":
			if len(fields) < 2 {
				err = errors.New("write needs a path")
				break
			}
			text := strings.TrimSpace(strings.TrimPrefix(args, fields[1]))
			if err = os.MkdirAll(filepath.Dir(fields[1]), os.ModePerm); err == nil {
				err = ioutil.WriteFile(fields[1], []byte(text+"\n"), 0644)
			}
		case "echo":
			_, err = fmt.Fprintln(stdout, args)
		case "crash":
			var code int
			if code, err = strconv.Atoi(args); err == nil {
				return &CrashError{Code: code}
			}
		default:
			err = errors.Errorf("unknown command %q", fields[0])
		}
		if err != nil {
			return errors.Wrapf(err, "line %d", n)
		}
	}
	return scanner.Err()
}

type Config struct {
	// Dir is the slot directory holding the drop and shutdown files.
	Dir  string
	Poll time.Duration
	// Bootstrap is run once before serving jobs, if set.
	Bootstrap string
}

// Engine serves jobs dropped into its directory until asked to shut down.
type Engine struct {
	config Config
	stdout io.Writer
	logger *zap.Logger

	finalErr chan error
	shutdown func(error)
}

func New(config Config, stdout io.Writer, logger *zap.Logger) *Engine {
	if config.Poll <= 0 {
		config.Poll = 50 * time.Millisecond
	}

	finalErr := make(chan error, 1)
	once := new(sync.Once)
	shutdown := func(err error) {
		once.Do(func() {
			finalErr <- err
		})
	}

	return &Engine{
		config:   config,
		stdout:   stdout,
		logger:   logger.With(zap.String("dir", config.Dir)),
		finalErr: finalErr,
		shutdown: shutdown,
	}
}

// Run returns nil after a shutdown request, a *CrashError when a job asked
// for a crash, or the error that stopped the engine.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting")

	if e.config.Bootstrap != "" {
		script, err := ioutil.ReadFile(e.config.Bootstrap)
		if err != nil {
			return errors.Wrap(err, "read bootstrap")
		}
		if err := Exec(ctx, script, e.stdout); err != nil {
			return errors.Wrap(err, "bootstrap")
		}
	}

	go func() {
		err := e.serveLoop(ctx)
		e.logger.Info("serve loop shut down", zap.Error(err))
		e.shutdown(err)
	}()

	go func() {
		<-ctx.Done()
		e.shutdown(ctx.Err())
	}()

	return <-e.finalErr
}

func (e *Engine) serveLoop(ctx context.Context) error {
	in := filepath.Join(e.config.Dir, sysexec.DropFile)
	stop := filepath.Join(e.config.Dir, sysexec.ShutdownFile)

	ticker := time.NewTicker(e.config.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := os.Stat(stop); err == nil {
			e.logger.Info("shutdown requested")
			return nil
		}

		script, err := ioutil.ReadFile(in)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return errors.Wrap(err, "read job")
		}

		e.logger.Debug("job received", zap.Int("bytes", len(script)))
		if err := Exec(ctx, script, e.stdout); err != nil {
			var crash *CrashError
			if errors.As(err, &crash) {
				return crash
			}
			e.logger.Warn("job failed", zap.Error(err))
		}

		if err := os.Remove(in); err != nil {
			return errors.Wrap(err, "accept job")
		}
	}
}
