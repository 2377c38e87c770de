//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"context"

	"github.com/dumalabs/duma-services-storage/internal/controllers"
	conf "github.com/dumalabs/duma-services-storage/internal/infrastructure/config"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/database"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/logger"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/repositories"
	"github.com/dumalabs/duma-services-storage/internal/server"
	"github.com/dumalabs/duma-services-storage/internal/services"

	"github.com/go-kratos/kratos/v2"
	"github.com/google/wire"
)

//go:generate go run github.com/google/wire/cmd/wire

// wireApp init kratos application.
func wireApp(context.Context, conf.Params) (*kratos.App, func(), error) {
	panic(wire.Build(
		conf.ProviderSet,
		newLoggerConfig,
		logger.ProviderSet,
		database.ProviderSet,
		repositories.ProviderSet,
		objectstore.ProviderSet,
		services.ProviderSet,
		controllers.ProviderSet,
		server.ProviderSet,
		newApp,
	))
}
