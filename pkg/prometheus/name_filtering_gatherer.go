// Package prometheus contains decorators for Prometheus gatherers.
package prometheus

import (
	"regexp"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// NewNameFilteringGatherer creates a decorator for Gatherer that only
// returns the metric families whose name matches a pattern. It is used
// to limit the metrics pushed by short lived invocations of the command
// line tool to the ones describing builds.
func NewNameFilteringGatherer(base prometheus.Gatherer, namePattern *regexp.Regexp) prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		families, err := base.Gather()
		return slices.DeleteFunc(families, func(family *dto.MetricFamily) bool {
			return !namePattern.MatchString(family.GetName())
		}), err
	})
}
