// Package main 提供转码 worker 的独立进程入口，可与 HTTP 服务分开伸缩。
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	conf "github.com/dumalabs/duma-services-storage/internal/infrastructure/config"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/logger"
	"github.com/dumalabs/duma-services-storage/internal/tasks/transcoder"

	"github.com/go-kratos/kratos/v2/log"

	_ "go.uber.org/automaxprocs"
)

var (
	// Name is the name of the compiled software.
	Name string
	// Version is the version of the compiled software.
	Version string
)

type transcoderApp struct {
	Runner *transcoder.Runner
	Logger log.Logger
}

func newTranscoderApp(l log.Logger, runner *transcoder.Runner) *transcoderApp {
	return &transcoderApp{Runner: runner, Logger: l}
}

func newLoggerConfig() logger.Config {
	return logger.DefaultConfig(Name, Version)
}

func main() {
	ctx := context.Background()

	confFlag := flag.String("conf", "", "config path, eg: -conf configs/config.yaml")
	flag.Parse()
	if Name == "" {
		Name = "duma-storage-transcoder"
	}
	if Version == "" {
		Version = "dev"
	}

	app, cleanup, err := wireTranscoderTask(ctx, conf.Params{ConfPath: *confFlag})
	if err != nil {
		panic(err)
	}
	defer cleanup()

	helper := log.NewHelper(app.Logger)
	helper.Info("starting transcode worker pool")

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Runner.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		helper.Errorf("transcode runner stopped unexpectedly: %v", err)
		os.Exit(1)
	}

	helper.Info("transcode runner stopped")
}
