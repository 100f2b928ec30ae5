// Package observability provides OpenTelemetry tracing and metrics for
// settld services, following cloud-native best practices.
//
// # Tracing and metrics
//
// Initialize the provider at application startup:
//
//	p, err := observability.New(ctx, &observability.Config{
//		Enabled:      true,
//		ServiceName:  "settld-server",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//	})
//	defer p.Shutdown(ctx)
//
// Track an operation from start to finish, recording its span, RED metrics,
// and any error in one call:
//
//	ctx, finish := p.TrackOperation(ctx, "event.append",
//		observability.EventAppendOperation(tenantID, streamID, nextIndex)...)
//	defer func() { finish(err) }()
package observability
