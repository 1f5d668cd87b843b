package otel

import (
	"context"
	"log"

	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

type grpcOTLPTraceClient struct {
	conn   *grpc.ClientConn
	client coltracepb.TraceServiceClient
}

// NewGRPCOTLPTraceClient creates an OTLP trace client that sends spans
// over a gRPC connection that is owned by the client. The connection
// is closed when the exporter is shut down.
func NewGRPCOTLPTraceClient(conn *grpc.ClientConn) otlptrace.Client {
	return &grpcOTLPTraceClient{
		conn:   conn,
		client: coltracepb.NewTraceServiceClient(conn),
	}
}

func (c *grpcOTLPTraceClient) Start(ctx context.Context) error {
	c.conn.Connect()
	return nil
}

func (c *grpcOTLPTraceClient) Stop(ctx context.Context) error {
	if err := c.conn.Close(); err != nil {
		return util.StatusWrap(err, "Failed to close connection to OTLP collector")
	}
	return nil
}

func (c *grpcOTLPTraceClient) UploadTraces(ctx context.Context, protoSpans []*tracepb.ResourceSpans) error {
	response, err := c.client.Export(ctx, &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: protoSpans,
	})
	if err != nil {
		return util.StatusWrap(err, "Failed to export spans to OTLP collector")
	}
	if partialSuccess := response.GetPartialSuccess(); partialSuccess.GetRejectedSpans() > 0 {
		log.Printf("OTLP collector rejected %d spans: %s", partialSuccess.GetRejectedSpans(), partialSuccess.GetErrorMessage())
	}
	return nil
}
