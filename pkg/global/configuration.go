package global

import (
	cb_http "github.com/olcf/containerbuilder/pkg/http"
	"github.com/olcf/containerbuilder/pkg/util"
)

// Configuration options that apply to the process as a whole,
// regardless of its purpose.
type Configuration struct {
	// Files to which log messages are written, in addition to
	// standard error.
	LogPaths []string `json:"logPaths"`
	// If set, the umask of the process is changed on startup.
	SetUmask *uint32 `json:"setUmask"`
	// Resource limits to apply, keyed by the name of the resource
	// without its "RLIMIT_" prefix.
	SetResourceLimits map[string]*ResourceLimitConfiguration `json:"setResourceLimits"`
	// Fraction of mutex contention events that is reported.
	MutexProfileFraction int `json:"mutexProfileFraction"`

	Tracing               *TracingConfiguration               `json:"tracing"`
	DiagnosticsHTTPServer *DiagnosticsHTTPServerConfiguration `json:"diagnosticsHttpServer"`
	PrometheusPushgateway *PrometheusPushgatewayConfiguration `json:"prometheusPushgateway"`
}

// ResourceLimitConfiguration is a soft and hard limit of a resource.
// An absent value means infinity.
type ResourceLimitConfiguration struct {
	SoftLimit *uint64 `json:"softLimit"`
	HardLimit *uint64 `json:"hardLimit"`
}

// DiagnosticsHTTPServerConfiguration configures a web server that
// exposes health checks, metrics and profiling data. If no listen
// address is provided, the endpoints are only exposed by servers that
// register them explicitly.
type DiagnosticsHTTPServerConfiguration struct {
	ListenAddress    string `json:"listenAddress"`
	EnablePrometheus bool   `json:"enablePrometheus"`
	EnablePprof      bool   `json:"enablePprof"`
}

// PrometheusPushgatewayConfiguration configures periodic pushing of
// metrics to a Prometheus Pushgateway. This is useful for short lived
// invocations of the command line tool.
type PrometheusPushgatewayConfiguration struct {
	URL          string                       `json:"url"`
	Job          string                       `json:"job"`
	Grouping     map[string]string            `json:"grouping"`
	PushInterval util.Duration                `json:"pushInterval"`
	HTTPClient   *cb_http.ClientConfiguration `json:"httpClient"`
	// If set, only metrics whose name matches this regular
	// expression are pushed.
	MetricNamePattern string `json:"metricNamePattern"`
}

// TracingConfiguration configures OpenTelemetry tracing.
type TracingConfiguration struct {
	Backends []*TracingBackendConfiguration `json:"backends"`
	// Attributes identifying this process. Values may be booleans,
	// numbers, strings or homogeneous lists thereof.
	ResourceAttributes map[string]any        `json:"resourceAttributes"`
	Sampler            *SamplerConfiguration `json:"sampler"`
}

// TracingBackendConfiguration is a destination of spans. Exactly one
// span exporter and one span processor must be set.
type TracingBackendConfiguration struct {
	OTLPSpanExporter            *OTLPSpanExporterConfiguration            `json:"otlpSpanExporter"`
	JaegerCollectorSpanExporter *JaegerCollectorSpanExporterConfiguration `json:"jaegerCollectorSpanExporter"`
	LogSpanExporter             *struct{}                                 `json:"logSpanExporter"`

	SimpleSpanProcessor *struct{}                        `json:"simpleSpanProcessor"`
	BatchSpanProcessor  *BatchSpanProcessorConfiguration `json:"batchSpanProcessor"`
}

// OTLPSpanExporterConfiguration sends spans to an OpenTelemetry
// collector over gRPC.
type OTLPSpanExporterConfiguration struct {
	Address  string `json:"address"`
	Insecure bool   `json:"insecure"`
}

// JaegerCollectorSpanExporterConfiguration sends spans to a Jaeger
// collector over HTTP.
type JaegerCollectorSpanExporterConfiguration struct {
	Endpoint   string                       `json:"endpoint"`
	HTTPClient *cb_http.ClientConfiguration `json:"httpClient"`
	Username   string                       `json:"username"`
	Password   string                       `json:"password"`
}

// BatchSpanProcessorConfiguration contains the options of a span
// processor that exports spans in batches.
type BatchSpanProcessorConfiguration struct {
	BatchTimeout       *util.Duration `json:"batchTimeout"`
	Blocking           bool           `json:"blocking"`
	ExportTimeout      *util.Duration `json:"exportTimeout"`
	MaxExportBatchSize int            `json:"maxExportBatchSize"`
	MaxQueueSize       int            `json:"maxQueueSize"`
}

// SamplerConfiguration selects a policy for when to sample. Exactly
// one of the fields must be set.
type SamplerConfiguration struct {
	Always            *struct{}                        `json:"always"`
	Never             *struct{}                        `json:"never"`
	ParentBased       *ParentBasedSamplerConfiguration `json:"parentBased"`
	TraceIDRatioBased *float64                         `json:"traceIdRatioBased"`
	MaximumRate       *MaximumRateSamplerConfiguration `json:"maximumRate"`
}

// ParentBasedSamplerConfiguration samples depending on whether the
// parent span was sampled.
type ParentBasedSamplerConfiguration struct {
	NoParent               *SamplerConfiguration `json:"noParent"`
	LocalParentNotSampled  *SamplerConfiguration `json:"localParentNotSampled"`
	LocalParentSampled     *SamplerConfiguration `json:"localParentSampled"`
	RemoteParentNotSampled *SamplerConfiguration `json:"remoteParentNotSampled"`
	RemoteParentSampled    *SamplerConfiguration `json:"remoteParentSampled"`
}

// MaximumRateSamplerConfiguration samples at most a fixed number of
// traces per epoch.
type MaximumRateSamplerConfiguration struct {
	SamplesPerEpoch int           `json:"samplesPerEpoch"`
	EpochDuration   util.Duration `json:"epochDuration"`
}
