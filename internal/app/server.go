package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/barryq93/promPSQL/internal/metrics"
	"github.com/go-kit/log"
	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	"github.com/sirupsen/logrus"
)

const (
	SelfMetricsPath = "/exporter-metrics"
	HealthPath      = "/health"

	shutdownTimeout = 10 * time.Second
)

type ServerConfig struct {
	TelemetryPath string
	RateLimit     float64
	RateBurst     int64
}

// NewHandler serves query metrics on the telemetry path, the exporter's
// own metrics, target health and a landing page.
func NewHandler(cfg ServerConfig, queries, self prometheus.Gatherer, health *Health) (http.Handler, error) {
	mux := http.NewServeMux()

	var bucket *ratelimit.Bucket
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		bucket = ratelimit.NewBucketWithRate(cfg.RateLimit, burst)
	}

	mux.Handle(cfg.TelemetryPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bucket != nil && bucket.TakeAvailable(1) == 0 {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		body, err := metrics.ComposeReply(queries)
		if err != nil {
			logrus.WithError(err).Error("unable to compose metrics reply")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		_, _ = w.Write([]byte(body))
	}))
	mux.Handle(SelfMetricsPath, promhttp.HandlerFor(self, promhttp.HandlerOpts{}))
	mux.Handle(HealthPath, health)

	if cfg.TelemetryPath != "/" {
		landing, err := web.NewLandingPage(web.LandingConfig{
			Name:        "PostgreSQL Query Exporter",
			Description: "Prometheus exporter for custom PostgreSQL queries",
			Version:     version.Info(),
			Links: []web.LandingLinks{
				{Address: cfg.TelemetryPath, Text: "Metrics"},
				{Address: SelfMetricsPath, Text: "Exporter metrics"},
				{Address: HealthPath, Text: "Health"},
			},
		})
		if err != nil {
			return nil, err
		}
		mux.Handle("/", landing)
	}
	return mux, nil
}

// Serve runs srv until ctx is cancelled or the listener fails.
func Serve(ctx context.Context, srv *http.Server, flags *web.FlagConfig, logger log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(srv, flags, logger)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
