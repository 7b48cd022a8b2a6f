// Package telemetry starts the performance exporter that collects the trace
// spans emitted around pose-graph construction and optimization.
package telemetry

import (
	"time"

	"go.viam.com/utils/perf"
)

// DefaultReportingInterval is how often collected spans and stats are flushed
// when no interval is given.
const DefaultReportingInterval = 10 * time.Second

// Start launches a development exporter reporting at the given interval.
// A non-positive interval selects DefaultReportingInterval. The caller owns
// the exporter and must Stop it when done.
func Start(interval time.Duration) (perf.Exporter, error) {
	if interval <= 0 {
		interval = DefaultReportingInterval
	}
	exporter := perf.NewDevelopmentExporterWithOptions(perf.DevelopmentExporterOptions{
		ReportingInterval: interval,
	})
	if err := exporter.Start(); err != nil {
		return nil, err
	}
	return exporter, nil
}
