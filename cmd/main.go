package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/barryq93/promPSQL/internal/app"
	"github.com/barryq93/promPSQL/internal/config"
	"github.com/barryq93/promPSQL/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	webflag "github.com/prometheus/exporter-toolkit/web/kingpinflag"
	"github.com/sirupsen/logrus"
)

const programName = "psql_query_exporter"

var (
	configFile = kingpin.Flag(
		"config.file",
		"Path to the scrape configuration file.",
	).Default("config.yml").Envar("PSQL_EXPORTER_CONFIG").String()
	logLevel = kingpin.Flag(
		"log.level",
		"Log level: DEBUG, INFO, WARN or ERROR.",
	).Default("INFO").Envar("PSQL_EXPORTER_LOG_LEVEL").String()
	logJSON = kingpin.Flag(
		"log.json",
		"Log in JSON format.",
	).Default("false").Bool()
	metricPath = kingpin.Flag(
		"web.telemetry-path",
		"Path under which to expose query metrics.",
	).Default("/metrics").String()
	rateLimit = kingpin.Flag(
		"web.rate-limit",
		"Maximum scrape requests per second on the telemetry path, 0 disables limiting.",
	).Default("100").Float64()
	rateBurst = kingpin.Flag(
		"web.rate-burst",
		"Burst size of the scrape rate limiter.",
	).Default("50").Int64()
	webConfig = webflag.AddFlags(kingpin.CommandLine, ":9090")
)

func main() {
	kingpin.CommandLine.Help = "Exposes the results of PostgreSQL queries as Prometheus gauges."
	kingpin.Version(version.Print(programName))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logrus.SetOutput(os.Stdout)
	utils.SetLogFormat(*logJSON)
	utils.SetLogLevel(*logLevel)

	logrus.WithField("version", version.Info()).Info("Starting " + programName)
	logrus.WithField("build_context", version.BuildContext()).Debug("Build context")

	targets, err := config.LoadTargets(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}
	logrus.WithField("targets", len(targets)).Info("Configuration loaded")

	registry := prometheus.NewRegistry()
	selfRegistry := prometheus.NewRegistry()
	inst := app.NewInstruments(selfRegistry)
	health := app.NewHealth(names)

	handler, err := app.NewHandler(app.ServerConfig{
		TelemetryPath: *metricPath,
		RateLimit:     *rateLimit,
		RateBurst:     *rateBurst,
	}, registry, selfRegistry, health)
	if err != nil {
		logrus.Fatalf("Failed to create HTTP handler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	serverErr := make(chan error, 1)
	go func() {
		srv := &http.Server{Handler: handler}
		serverErr <- app.Serve(serverCtx, srv, webConfig, utils.KitLogger(logrus.WithField("component", "web")))
	}()

	collectorsDone := make(chan struct{})
	go func() {
		app.NewApplication(targets, registry, inst, health).Run(ctx)
		close(collectorsDone)
	}()

	exitCode := 0
	select {
	case <-collectorsDone:
		logrus.Info("All collecting tasks have been finished")
		stopServer()
		if err := <-serverErr; err != nil {
			logrus.Errorf("Server shutdown failed: %v", err)
		}
	case err := <-serverErr:
		if err != nil {
			logrus.Errorf("HTTP server failed: %v", err)
			exitCode = 1
		}
		stop()
		<-collectorsDone
	}
	logrus.Info("Application shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
