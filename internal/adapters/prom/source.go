// Package prom answers request-count questions from a Prometheus server.
package prom

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
)

// Config configures the source. Query is a PromQL template in which $target
// and $window are replaced by the target id and the window length.
type Config struct {
	URL     string
	Query   string
	Timeout time.Duration
}

// Source implements core.MetricsSource.
type Source struct {
	api     v1.API
	query   string
	timeout time.Duration
	log     *logging.Logger
}

// New creates a source for the Prometheus server at cfg.URL.
func New(cfg Config, logger *logging.Logger) (*Source, error) {
	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "invalid prometheus url").WithCause(err)
	}
	return NewWithAPI(v1.NewAPI(client), cfg, logger), nil
}

// NewWithAPI creates a source on an existing API client.
func NewWithAPI(a v1.API, cfg Config, logger *logging.Logger) *Source {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Source{
		api:     a,
		query:   cfg.Query,
		timeout: cfg.Timeout,
		log:     logger.WithComponent("prometheus"),
	}
}

// Expand renders the query template for target over window.
func (s *Source) Expand(target core.TargetID, window time.Duration) string {
	return strings.NewReplacer(
		"$target", string(target),
		"$window", model.Duration(window).String(),
	).Replace(s.query)
}

// RequestCount evaluates the query at end over the window [start, end).
// An empty result means the target has no series yet and counts as zero.
func (s *Source) RequestCount(ctx context.Context, target core.TargetID, start, end time.Time) (float64, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	query := s.Expand(target, end.Sub(start))
	value, warnings, err := s.api.Query(ctx, query, end)
	if err != nil {
		return 0, core.ErrTransient(core.CodeMetricsQuery, "prometheus query failed").
			WithDetail("query", query).
			WithCause(err)
	}
	for _, w := range warnings {
		s.log.Warn("prometheus warning", "target", string(target), "warning", w)
	}

	total, err := sum(value)
	if err != nil {
		return 0, core.ErrTransient(core.CodeMetricsQuery, err.Error()).WithDetail("query", query)
	}
	return total, nil
}

func sum(value model.Value) (float64, error) {
	var total float64
	switch v := value.(type) {
	case model.Vector:
		for _, sample := range v {
			total += float64(sample.Value)
		}
	case *model.Scalar:
		total = float64(v.Value)
	default:
		return 0, fmt.Errorf("unexpected result type %s", value.Type())
	}
	if math.IsNaN(total) || total < 0 {
		return 0, fmt.Errorf("unusable request count %v", total)
	}
	return total, nil
}
