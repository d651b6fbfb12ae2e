// Package telemetry sets up OpenTelemetry trace and metric providers for
// promptd.
//
// Spans are exported over OTLP (grpc or http/protobuf) when telemetry is
// enabled. Initialization failures never stop the server: the instance is
// marked degraded and the global no-op providers stay in place.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, cfg.Server))
//	defer tel.Shutdown(ctx)
//	ctx, span := tel.Tracer("promptd/pipeline").Start(ctx, "pipeline.run")
//
// Tests use NewTestTelemetry, which records spans in memory.
package telemetry
