package node

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/KeychainMDIP/kc-sub000/node")

var (
	EventsQueueGauge         metric.Int64Gauge
	ProcessedEventsCounter   metric.Int64Counter
	DIDsGauge                metric.Int64Gauge
	VerifyDbGauge            metric.Int64Gauge
	IngestStateGauge         metric.Int64Gauge
	LastImportedEventTsGauge metric.Int64Gauge
	StreamClientsGauge       metric.Int64Gauge
)

var (
	IngestStateStream    = attribute.String("state", "stream")
	IngestStatePaginated = attribute.String("state", "paginated")
)

func init() {
	var err error
	EventsQueueGauge, err = meter.Int64Gauge("mdip_gatekeeper_events_queue",
		metric.WithDescription("Number of imported events waiting to be processed"),
	)
	if err != nil {
		panic(err)
	}
	ProcessedEventsCounter, err = meter.Int64Counter("mdip_gatekeeper_processed_events",
		metric.WithDescription("Events handled by processEvents, by outcome"),
	)
	if err != nil {
		panic(err)
	}
	DIDsGauge, err = meter.Int64Gauge("mdip_gatekeeper_dids",
		metric.WithDescription("Number of DIDs by type, from the last status check"),
	)
	if err != nil {
		panic(err)
	}
	VerifyDbGauge, err = meter.Int64Gauge("mdip_gatekeeper_verify_db",
		metric.WithDescription("Result counts of the last database verification sweep"),
	)
	if err != nil {
		panic(err)
	}
	IngestStateGauge, err = meter.Int64Gauge("mdip_gatekeeper_ingest_state",
		metric.WithDescription("Current peer sync mode: 1 with state attribute (stream or paginated)"),
	)
	if err != nil {
		panic(err)
	}
	LastImportedEventTsGauge, err = meter.Int64Gauge("mdip_gatekeeper_last_imported_event_ts",
		metric.WithDescription("Unix timestamp of the most recently imported peer event"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
	StreamClientsGauge, err = meter.Int64Gauge("mdip_gatekeeper_stream_clients",
		metric.WithDescription("Number of connected event stream subscribers"),
	)
	if err != nil {
		panic(err)
	}
}
