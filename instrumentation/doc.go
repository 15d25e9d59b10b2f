// Package instrumentation provides OpenTelemetry metrics and tracing for the
// engine.
//
// When disabled, no-op providers are used and recording costs nothing. When
// enabled, metrics are collected by the OpenTelemetry SDK and exposed through
// a Prometheus registry; spans are exported only if a SpanExporter is set.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "idp",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", inst.MetricsHandler())
//
// Meters and tracers are named per layer ("server", "storage", "token",
// "http"), prefixed with the module path.
//
// Attribute values must never contain secrets, codes or token values. Only
// metadata such as client IDs, grant types and results are recorded.
package instrumentation
