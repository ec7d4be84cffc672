// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package tracing provides helpers for instrumenting the platform with
// OpenTelemetry. Spans are emitted through the global tracer provider, so
// they are no-ops unless the embedding process installs an SDK.
package tracing

import (
	"runtime"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer named after the calling package's import path.
func Tracer() trace.Tracer {
	pc, _, _, ok := runtime.Caller(1)
	if !ok {
		return otel.Tracer("unknown")
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return otel.Tracer("unknown")
	}
	return otel.Tracer(extractImportPath(fn.Name()))
}

// extractImportPath derives the import path from a fully qualified function
// name such as "github.com/infraweave-io/infraweave/internal/oci.(*Registry).UploadModule".
func extractImportPath(fullName string) string {
	lastSlash := strings.LastIndex(fullName, "/")
	dot := strings.Index(fullName[lastSlash+1:], ".")
	if dot == -1 {
		return "unknown"
	}
	return fullName[:lastSlash+1+dot]
}
