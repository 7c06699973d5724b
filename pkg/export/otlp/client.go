// gRPC and HTTP/protobuf transports for the OTLP exporter
package otlp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const tracesPath = "/v1/traces"

// maxResponseBody caps how much of a collector reply is read; real replies
// are a few bytes of protobuf.
const maxResponseBody = 1 << 20

// uploader is one wire transport. upload errors are marked transient when
// the failure is worth retrying.
type uploader interface {
	upload(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error
	close() error
}

type grpcUploader struct {
	conn    *grpc.ClientConn
	client  coltracepb.TraceServiceClient
	headers map[string]string
	log     *zap.Logger
}

func newGRPCUploader(endpoint string, insecureConn bool, headers map[string]string, log *zap.Logger) (*grpcUploader, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if insecureConn {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", endpoint, err)
	}
	return &grpcUploader{
		conn:    conn,
		client:  coltracepb.NewTraceServiceClient(conn),
		headers: headers,
		log:     log,
	}, nil
}

func (u *grpcUploader) upload(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error {
	if len(u.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(u.headers))
	}
	resp, err := u.client.Export(ctx, req)
	if err != nil {
		err = fmt.Errorf("exporting to collector: %w", err)
		switch status.Code(err) {
		case grpccodes.Unavailable, grpccodes.ResourceExhausted, grpccodes.DeadlineExceeded:
			return markTransient(err)
		default:
			return err
		}
	}
	if ps := resp.GetPartialSuccess(); ps.GetRejectedSpans() > 0 {
		u.log.Warn("collector rejected spans",
			zap.Int64("rejected", ps.GetRejectedSpans()),
			zap.String("message", ps.GetErrorMessage()))
	}
	return nil
}

func (u *grpcUploader) close() error {
	return u.conn.Close()
}

type httpUploader struct {
	url     string
	client  *http.Client
	headers map[string]string
	log     *zap.Logger
}

func newHTTPUploader(endpoint string, insecureConn bool, headers map[string]string, log *zap.Logger) *httpUploader {
	scheme := "https"
	if insecureConn {
		scheme = "http"
	}
	return &httpUploader{
		url:     scheme + "://" + endpoint + tracesPath,
		client:  &http.Client{},
		headers: headers,
		log:     log,
	}
}

func (u *httpUploader) upload(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error {
	body, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshalling export request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building export request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	for k, v := range u.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		// Connection-level failures are transient by nature.
		return markTransient(fmt.Errorf("posting to %s: %w", u.url, err))
	}
	defer func() { _ = resp.Body.Close() }()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return markTransient(fmt.Errorf("reading collector reply: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		u.logPartialSuccess(reply)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return markTransient(fmt.Errorf("collector returned %s", resp.Status))
	default:
		return fmt.Errorf("collector returned %s", resp.Status)
	}
}

func (u *httpUploader) logPartialSuccess(reply []byte) {
	if len(reply) == 0 {
		return
	}
	var resp coltracepb.ExportTraceServiceResponse
	if err := proto.Unmarshal(reply, &resp); err != nil {
		return
	}
	if ps := resp.GetPartialSuccess(); ps.GetRejectedSpans() > 0 {
		u.log.Warn("collector rejected spans",
			zap.Int64("rejected", ps.GetRejectedSpans()),
			zap.String("message", ps.GetErrorMessage()))
	}
}

func (u *httpUploader) close() error {
	u.client.CloseIdleConnections()
	return nil
}
