package metrics

import (
	"github.com/nimburion/jobqueue/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
)

// NewBuildInfoCollector returns a constant gauge set to 1 and labelled with
// the build metadata, so dashboards can join on the running version.
func NewBuildInfoCollector(info version.Info) prometheus.Collector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobqueue_build_info",
			Help: "Build metadata of the running process",
		},
		[]string{"service", "version", "commit"},
	)
	gauge.WithLabelValues(info.Service, info.Version, info.Commit).Set(1)
	return gauge
}
