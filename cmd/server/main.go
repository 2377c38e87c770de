package main

import (
	"context"
	"flag"
	"os"

	conf "github.com/dumalabs/duma-services-storage/internal/infrastructure/config"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/logger"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name string
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "", "config path, eg: -conf configs/config.yaml")
}

func newLoggerConfig() logger.Config {
	return logger.DefaultConfig(Name, Version)
}

func newApp(l log.Logger, hs *khttp.Server) *kratos.App {
	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(l),
		kratos.Server(hs),
	)
}

func main() {
	flag.Parse()
	if Name == "" {
		Name = "duma-services-storage"
	}
	if Version == "" {
		Version = "dev"
	}

	app, cleanup, err := wireApp(context.Background(), conf.Params{ConfPath: flagconf})
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
