// Package server 组装对外的 Kratos HTTP 服务。
package server

import (
	stdhttp "net/http"

	"github.com/dumalabs/duma-services-storage/internal/controllers"
	conf "github.com/dumalabs/duma-services-storage/internal/infrastructure/config"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/metadata"
	kmetrics "github.com/go-kratos/kratos/v2/middleware/metrics"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPServer 构造 HTTP 服务并挂载全部路由。
func NewHTTPServer(c conf.Server, uploads *controllers.UploadHandler, creds *controllers.CredentialHandler, tel *Telemetry, logger log.Logger) *khttp.Server {
	var opts = []khttp.ServerOption{
		khttp.Middleware(
			recovery.Recovery(),
			metadata.Server(),
			kmetrics.Server(
				kmetrics.WithSeconds(tel.SecondsHistogram),
				kmetrics.WithRequests(tel.RequestCounter),
			),
			logging.Server(logger),
		),
	}
	if c.HTTP.Addr != "" {
		opts = append(opts, khttp.Address(c.HTTP.Addr))
	}
	if timeout := conf.ParseDuration(c.HTTP.Timeout, 0); timeout > 0 {
		opts = append(opts, khttp.Timeout(timeout))
	}

	srv := khttp.NewServer(opts...)

	srv.Handle("/healthz", stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, _ *stdhttp.Request) {
		w.WriteHeader(stdhttp.StatusOK)
	}))
	srv.Handle("/readyz", stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, _ *stdhttp.Request) {
		w.WriteHeader(stdhttp.StatusOK)
	}))
	srv.Handle("/metrics", promhttp.HandlerFor(tel.PrometheusRegistry, promhttp.HandlerOpts{}))

	r := srv.Route("/v1")
	uploads.RegisterRoutes(r)
	creds.RegisterRoutes(r)
	return srv
}
