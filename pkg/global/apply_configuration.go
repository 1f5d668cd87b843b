// Package global applies configuration options that are shared by all
// containerbuilder binaries: logging, process limits, tracing and the
// diagnostics web server.
package global

import (
	"context"
	"crypto/tls"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"regexp"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	// The pprof package does not provide a function for registering
	// its endpoints against an arbitrary mux. Load it to force
	// registration against the default mux, so we can forward
	// traffic to that mux instead.
	_ "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/olcf/containerbuilder/pkg/clock"
	cb_http "github.com/olcf/containerbuilder/pkg/http"
	cb_otel "github.com/olcf/containerbuilder/pkg/otel"
	"github.com/olcf/containerbuilder/pkg/program"
	cb_prometheus "github.com/olcf/containerbuilder/pkg/prometheus"
	"github.com/olcf/containerbuilder/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DiagnosticsServer is returned by ApplyConfiguration. It can be used
// by the caller to report whether the application has started up
// successfully.
type DiagnosticsServer struct {
	config *DiagnosticsHTTPServerConfiguration
	ready  atomic.Bool
}

// NewHandler returns the HTTP handler of the diagnostics web server.
func (ds *DiagnosticsServer) NewHandler() http.Handler {
	router := mux.NewRouter()
	ds.RegisterHandlers(router)
	return router
}

// RegisterHandlers registers the endpoints of the diagnostics web
// server against an existing router. This permits exposing them on
// the same port as other services.
func (ds *DiagnosticsServer) RegisterHandlers(router *mux.Router) {
	router.HandleFunc("/-/healthy", func(http.ResponseWriter, *http.Request) {})
	router.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if ds.ready.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
	if ds.config != nil {
		if ds.config.EnablePrometheus {
			router.Handle("/metrics", promhttp.Handler())
		}
		if ds.config.EnablePprof {
			router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
		}
	}
}

// Serve launches the diagnostics web server, if a listen address is
// configured. It is terminated when the context associated with the
// group is canceled.
func (ds *DiagnosticsServer) Serve(group program.Group) {
	if ds.config == nil || ds.config.ListenAddress == "" {
		return
	}
	server := &http.Server{
		Addr:              ds.config.ListenAddress,
		Handler:           ds.NewHandler(),
		ReadHeaderTimeout: time.Minute,
	}
	group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		<-ctx.Done()
		ds.SetNotServing()
		return server.Close()
	})
	group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return util.StatusWrapf(err, "Failed to launch diagnostics HTTP server %#v", server.Addr)
		}
		return nil
	})
}

// SetReady updates the health probe to report healthy and ready.
func (ds *DiagnosticsServer) SetReady() {
	ds.ready.Store(true)
}

// SetNotServing updates the health probe to report healthy but not
// ready.
func (ds *DiagnosticsServer) SetNotServing() {
	ds.ready.Store(false)
}

// ApplyConfiguration applies configuration options to the running
// process. Background tasks, such as exporting spans and pushing
// metrics, are spawned as part of dependenciesGroup, so that they
// outlive the routines of the program that generate data for them.
func ApplyConfiguration(configuration *Configuration, dependenciesGroup program.Group) (*DiagnosticsServer, trace.TracerProvider, error) {
	if configuration == nil {
		configuration = &Configuration{}
	}

	if umask := configuration.SetUmask; umask != nil {
		if err := setUmask(*umask); err != nil {
			return nil, nil, util.StatusWrap(err, "Failed to set umask")
		}
	}

	names := make([]string, 0, len(configuration.SetResourceLimits))
	for name := range configuration.SetResourceLimits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := setResourceLimit(name, configuration.SetResourceLimits[name]); err != nil {
			return nil, nil, util.StatusWrapf(err, "Failed to set resource limit %#v", name)
		}
	}

	// Logging.
	logWriters := append(make([]io.Writer, 0, len(configuration.LogPaths)+1), os.Stderr)
	for _, logPath := range configuration.LogPaths {
		w, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
		if err != nil {
			return nil, nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to open log path %#v", logPath)
		}
		logWriters = append(logWriters, w)
	}
	log.SetOutput(io.MultiWriter(logWriters...))

	// Perform tracing using OpenTelemetry.
	var tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	if tracingConfiguration := configuration.Tracing; tracingConfiguration != nil {
		sdkTracerProvider, err := newTracerProviderFromConfiguration(tracingConfiguration)
		if err != nil {
			return nil, nil, util.StatusWrap(err, "Failed to create tracer provider")
		}
		dependenciesGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			<-ctx.Done()
			// Flush spans that are still buffered.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sdkTracerProvider.Shutdown(shutdownCtx); err != nil {
				log.Print("Failed to shut down tracer provider: ", err)
			}
			return nil
		})
		tracerProvider = sdkTracerProvider
		otel.SetTracerProvider(tracerProvider)

		// Construct a propagator which supports both the context
		// and Zipkin B3 propagation standards.
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			b3.New(b3.WithInjectEncoding(b3.B3MultipleHeader))))
	}

	// Enable mutex profiling.
	runtime.SetMutexProfileFraction(configuration.MutexProfileFraction)

	// Periodically push metrics to a Prometheus Pushgateway, as
	// opposed to letting the Prometheus server scrape the metrics.
	if pushgateway := configuration.PrometheusPushgateway; pushgateway != nil {
		pusher := push.New(pushgateway.URL, pushgateway.Job)
		var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
		if pattern := pushgateway.MetricNamePattern; pattern != "" {
			namePattern, err := regexp.Compile(pattern)
			if err != nil {
				return nil, nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid metric name pattern")
			}
			gatherer = cb_prometheus.NewNameFilteringGatherer(gatherer, namePattern)
		}
		pusher.Gatherer(gatherer)
		for key, value := range pushgateway.Grouping {
			pusher.Grouping(key, value)
		}
		roundTripper, err := cb_http.NewRoundTripperFromConfiguration(pushgateway.HTTPClient)
		if err != nil {
			return nil, nil, util.StatusWrap(err, "Failed to create Prometheus Pushgateway HTTP client")
		}
		pusher.Client(&http.Client{
			Transport: cb_http.NewMetricsRoundTripper(roundTripper, "Pushgateway"),
		})
		pushInterval := pushgateway.PushInterval.Duration
		if pushInterval <= 0 {
			return nil, nil, status.Error(codes.InvalidArgument, "Prometheus Pushgateway push interval must be positive")
		}

		dependenciesGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			t := time.NewTicker(pushInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
				case <-ctx.Done():
					// Push the final values of all metrics.
					if err := pusher.Push(); err != nil {
						log.Print("Failed to push metrics to Prometheus Pushgateway: ", err)
					}
					return nil
				}
				if err := pusher.PushContext(ctx); err != nil && ctx.Err() == nil {
					log.Print("Failed to push metrics to Prometheus Pushgateway: ", err)
				}
			}
		})
	}

	return &DiagnosticsServer{config: configuration.DiagnosticsHTTPServer}, tracerProvider, nil
}

func newTracerProviderFromConfiguration(configuration *TracingConfiguration) (*sdktrace.TracerProvider, error) {
	var tracerProviderOptions []sdktrace.TracerProviderOption
	for i, backend := range configuration.Backends {
		spanExporter, err := newSpanExporterFromConfiguration(backend)
		if err != nil {
			return nil, util.StatusWrapf(err, "Tracing backend %d", i)
		}

		// Wrap it in a SpanProcessor.
		var spanProcessor sdktrace.SpanProcessor
		switch {
		case backend.SimpleSpanProcessor != nil:
			spanProcessor = sdktrace.NewSimpleSpanProcessor(spanExporter)
		case backend.BatchSpanProcessor != nil:
			batchConfiguration := backend.BatchSpanProcessor
			var batchSpanProcessorOptions []sdktrace.BatchSpanProcessorOption
			if d := batchConfiguration.BatchTimeout; d != nil {
				batchSpanProcessorOptions = append(batchSpanProcessorOptions, sdktrace.WithBatchTimeout(d.Duration))
			}
			if batchConfiguration.Blocking {
				batchSpanProcessorOptions = append(batchSpanProcessorOptions, sdktrace.WithBlocking())
			}
			if d := batchConfiguration.ExportTimeout; d != nil {
				batchSpanProcessorOptions = append(batchSpanProcessorOptions, sdktrace.WithExportTimeout(d.Duration))
			}
			if size := batchConfiguration.MaxExportBatchSize; size != 0 {
				batchSpanProcessorOptions = append(batchSpanProcessorOptions, sdktrace.WithMaxExportBatchSize(size))
			}
			if size := batchConfiguration.MaxQueueSize; size != 0 {
				batchSpanProcessorOptions = append(batchSpanProcessorOptions, sdktrace.WithMaxQueueSize(size))
			}
			spanProcessor = sdktrace.NewBatchSpanProcessor(spanExporter, batchSpanProcessorOptions...)
		default:
			return nil, status.Errorf(codes.InvalidArgument, "Tracing backend %d does not contain a valid span processor", i)
		}
		tracerProviderOptions = append(tracerProviderOptions, sdktrace.WithSpanProcessor(spanProcessor))
	}

	// Set resource attributes, so that this process can be
	// identified uniquely.
	resourceAttributes, err := NewResourceAttributes(configuration.ResourceAttributes)
	if err != nil {
		return nil, err
	}
	tracerProviderOptions = append(tracerProviderOptions, sdktrace.WithResource(resource.NewSchemaless(resourceAttributes...)))

	// Create a Sampler, acting as a policy for when to sample.
	sampler, err := NewSamplerFromConfiguration(configuration.Sampler)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to create sampler")
	}
	tracerProviderOptions = append(tracerProviderOptions, sdktrace.WithSampler(sampler))
	return sdktrace.NewTracerProvider(tracerProviderOptions...), nil
}

func newSpanExporterFromConfiguration(backend *TracingBackendConfiguration) (sdktrace.SpanExporter, error) {
	switch {
	case backend.OTLPSpanExporter != nil:
		otlpConfiguration := backend.OTLPSpanExporter
		transportCredentials := insecure.NewCredentials()
		if !otlpConfiguration.Insecure {
			transportCredentials = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		}
		// The connection is not instrumented, as that would cause
		// infinitely recursive traces.
		conn, err := grpc.NewClient(otlpConfiguration.Address, grpc.WithTransportCredentials(transportCredentials))
		if err != nil {
			return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to create OTLP gRPC client")
		}
		spanExporter, err := otlptrace.New(context.Background(), cb_otel.NewGRPCOTLPTraceClient(conn))
		if err != nil {
			return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to create OTLP span exporter")
		}
		return spanExporter, nil
	case backend.JaegerCollectorSpanExporter != nil:
		jaegerConfiguration := backend.JaegerCollectorSpanExporter
		var collectorEndpointOptions []jaeger.CollectorEndpointOption
		if endpoint := jaegerConfiguration.Endpoint; endpoint != "" {
			collectorEndpointOptions = append(collectorEndpointOptions, jaeger.WithEndpoint(endpoint))
		}
		roundTripper, err := cb_http.NewRoundTripperFromConfiguration(jaegerConfiguration.HTTPClient)
		if err != nil {
			return nil, util.StatusWrap(err, "Failed to create Jaeger collector HTTP client")
		}
		collectorEndpointOptions = append(collectorEndpointOptions, jaeger.WithHTTPClient(&http.Client{
			Transport: cb_http.NewMetricsRoundTripper(roundTripper, "Jaeger"),
		}))
		if username := jaegerConfiguration.Username; username != "" {
			collectorEndpointOptions = append(collectorEndpointOptions, jaeger.WithUsername(username))
		}
		if password := jaegerConfiguration.Password; password != "" {
			collectorEndpointOptions = append(collectorEndpointOptions, jaeger.WithPassword(password))
		}
		spanExporter, err := jaeger.New(jaeger.WithCollectorEndpoint(collectorEndpointOptions...))
		if err != nil {
			return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to create Jaeger collector span exporter")
		}
		return spanExporter, nil
	case backend.LogSpanExporter != nil:
		return NewLogSpanExporter(), nil
	default:
		return nil, status.Error(codes.InvalidArgument, "Tracing backend does not contain a valid span exporter")
	}
}

// NewResourceAttributes converts resource attributes provided in a
// configuration file to OpenTelemetry attributes, sorted by key.
// Numbers without a fractional part are converted to integers.
func NewResourceAttributes(fields map[string]any) ([]attribute.KeyValue, error) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	attributes := make([]attribute.KeyValue, 0, len(fields))
	for _, key := range keys {
		switch value := fields[key].(type) {
		case bool:
			attributes = append(attributes, attribute.Bool(key, value))
		case float64:
			if value == math.Trunc(value) && math.Abs(value) < 1<<63 {
				attributes = append(attributes, attribute.Int64(key, int64(value)))
			} else {
				attributes = append(attributes, attribute.Float64(key, value))
			}
		case string:
			attributes = append(attributes, attribute.String(key, value))
		case []any:
			kv, err := newResourceAttributeList(key, value)
			if err != nil {
				return nil, err
			}
			attributes = append(attributes, kv)
		default:
			return nil, status.Errorf(codes.InvalidArgument, "Resource attribute %#v is of an unknown type", key)
		}
	}
	return attributes, nil
}

func newResourceAttributeList(key string, elements []any) (attribute.KeyValue, error) {
	if len(elements) == 0 {
		return attribute.StringSlice(key, nil), nil
	}
	notHomogeneous := status.Errorf(codes.InvalidArgument, "Resource attribute %#v is not a homogeneous list", key)
	switch elements[0].(type) {
	case bool:
		values := make([]bool, 0, len(elements))
		for _, element := range elements {
			v, ok := element.(bool)
			if !ok {
				return attribute.KeyValue{}, notHomogeneous
			}
			values = append(values, v)
		}
		return attribute.BoolSlice(key, values), nil
	case float64:
		values := make([]float64, 0, len(elements))
		for _, element := range elements {
			v, ok := element.(float64)
			if !ok {
				return attribute.KeyValue{}, notHomogeneous
			}
			values = append(values, v)
		}
		return attribute.Float64Slice(key, values), nil
	case string:
		values := make([]string, 0, len(elements))
		for _, element := range elements {
			v, ok := element.(string)
			if !ok {
				return attribute.KeyValue{}, notHomogeneous
			}
			values = append(values, v)
		}
		return attribute.StringSlice(key, values), nil
	default:
		return attribute.KeyValue{}, status.Errorf(codes.InvalidArgument, "Resource attribute %#v has elements of an unknown type", key)
	}
}

// NewSamplerFromConfiguration creates a OpenTelemetry Sampler based on
// a configuration file.
func NewSamplerFromConfiguration(configuration *SamplerConfiguration) (sdktrace.Sampler, error) {
	if configuration == nil {
		return nil, status.Error(codes.InvalidArgument, "No configuration provided")
	}
	switch {
	case configuration.Always != nil:
		return sdktrace.AlwaysSample(), nil
	case configuration.Never != nil:
		return sdktrace.NeverSample(), nil
	case configuration.ParentBased != nil:
		policy := configuration.ParentBased
		noParent, err := NewSamplerFromConfiguration(policy.NoParent)
		if err != nil {
			return nil, util.StatusWrap(err, "No parent")
		}
		var options []sdktrace.ParentBasedSamplerOption
		for _, child := range []struct {
			name          string
			configuration *SamplerConfiguration
			newOption     func(sdktrace.Sampler) sdktrace.ParentBasedSamplerOption
		}{
			{"Local parent not sampled", policy.LocalParentNotSampled, sdktrace.WithLocalParentNotSampled},
			{"Local parent sampled", policy.LocalParentSampled, sdktrace.WithLocalParentSampled},
			{"Remote parent not sampled", policy.RemoteParentNotSampled, sdktrace.WithRemoteParentNotSampled},
			{"Remote parent sampled", policy.RemoteParentSampled, sdktrace.WithRemoteParentSampled},
		} {
			// Unlike the root sampler, these are optional and
			// fall back to the SDK's defaults.
			if child.configuration == nil {
				continue
			}
			sampler, err := NewSamplerFromConfiguration(child.configuration)
			if err != nil {
				return nil, util.StatusWrap(err, child.name)
			}
			options = append(options, child.newOption(sampler))
		}
		return sdktrace.ParentBased(noParent, options...), nil
	case configuration.TraceIDRatioBased != nil:
		return sdktrace.TraceIDRatioBased(*configuration.TraceIDRatioBased), nil
	case configuration.MaximumRate != nil:
		policy := configuration.MaximumRate
		if policy.EpochDuration.Duration <= 0 {
			return nil, status.Error(codes.InvalidArgument, "Invalid maximum rate sampler epoch duration")
		}
		return cb_otel.NewMaximumRateSampler(
			clock.SystemClock,
			policy.SamplesPerEpoch,
			policy.EpochDuration.Duration), nil
	default:
		return nil, status.Error(codes.InvalidArgument, "Unknown sampling policy")
	}
}
