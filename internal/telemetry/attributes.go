// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys shared by the pipeline and the HTTP surface so traces
// stay queryable by one vocabulary.
const (
	JobIDKey         = "job.id"
	PipelineStageKey = "pipeline.stage"

	HTTPMethodKey     = "http.method"
	HTTPRouteKey      = "http.route"
	HTTPStatusCodeKey = "http.status_code"
)

// StageAttributes tags a pipeline stage span.
func StageAttributes(jobID, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(PipelineStageKey, stage),
	}
}

// HTTPAttributes tags a server span with the routed request outcome.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}
