// Package observability provides OpenTelemetry tracing and metrics for the
// Neuron broker.
//
// # Tracing and metrics
//
// Initialize at application startup:
//
//	obs, err := observability.New(ctx, observability.DefaultConfig())
//	defer obs.Shutdown(ctx)
//
// Track an operation from start to finish:
//
//	ctx, finish := obs.TrackOperation(ctx, "handshake.run", observability.AttrSessionID.String(sessionID))
//	defer finish(err)
//
// Create spans manually:
//
//	ctx, span := obs.StartSpan(ctx, "operation_name")
//	defer span.End()
package observability
