// Package telemetry provides OpenTelemetry tracing and metrics for phasectl.
//
// New installs global tracer and meter providers that export over OTLP
// (grpc or http/protobuf). Packages that instrument runs, phases and
// handler dispatch call otel.Tracer and otel.Meter directly and pick the
// providers up from there.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// # Configuration
//
//	observability:
//	  enable_telemetry: true
//	  otlp_endpoint: "localhost:4317"
//	  otlp_protocol: "grpc"
//	  otlp_insecure: true
//
// Insecure export is refused for non-loopback endpoints.
//
// # Error Handling
//
// Exporter failures do not stop the daemon. The instance reports itself
// degraded through Health and the global no-op providers stay in place.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	tt.Install(t)
//	// ... exercise code that uses otel.Tracer / otel.Meter
//	spans := tt.Spans("orchestrator.phase")
//	n := tt.Counter(t, "phasectl.budget.reservations_total")
package telemetry
