package main

import (
	"context"
	"enginepool/pkg/stubengine"
	"enginepool/pkg/sysexec"
	"flag"
	"fmt"
	"go.uber.org/zap"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// stub-engine stands in for a simulation engine: it serves job scripts
// dropped into its directory, or runs a single script with -once
func main() {
	var dir string
	var bootstrap string
	var once string
	var poll time.Duration
	flag.StringVar(&dir, "dir", os.Getenv(sysexec.EnvSlotDir), "slot directory to serve")
	flag.StringVar(&bootstrap, "main", "", "script to run before serving jobs")
	flag.StringVar(&once, "once", "", "run this script and exit")
	flag.DurationVar(&poll, "poll", 50*time.Millisecond, "drop file poll interval")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var finalErr error
	if once != "" {
		script, err := ioutil.ReadFile(once)
		if err != nil {
			logger.Fatal("failed to read script", zap.Error(err))
		}
		finalErr = stubengine.Exec(ctx, script, os.Stdout)
	} else {
		if dir == "" {
			fmt.Fprintln(os.Stderr, "expected slot dir via -dir or env var: "+sysexec.EnvSlotDir)
			os.Exit(1)
		}
		engine := stubengine.New(stubengine.Config{
			Dir:       dir,
			Poll:      poll,
			Bootstrap: bootstrap,
		}, os.Stdout, logger)
		finalErr = engine.Run(ctx)
	}

	logger.Info("exiting", zap.Error(finalErr))
	if crash, ok := finalErr.(*stubengine.CrashError); ok {
		logger.Sync()
		os.Exit(crash.Code)
	}
	if finalErr != nil {
		logger.Sync()
		os.Exit(1)
	}
}
