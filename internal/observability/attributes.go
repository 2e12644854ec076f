// Package observability provides metrics for the relay gateway and watcher.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrOutcome = "outcome"
	attrKind    = "kind"
	attrQueue   = "queue"
	attrOp      = "op"
	attrMode    = "mode"
	attrSuccess = "success"
)

// Relay outcomes as seen by the caller.
const (
	OutcomeResult = "result"
	OutcomeEmpty  = "empty"
	OutcomeError  = "error"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func queueAttr(queue string) attribute.KeyValue {
	return attribute.String(attrQueue, queue)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func modeAttr(mode string) attribute.KeyValue {
	return attribute.String(attrMode, mode)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath collapses static file paths to keep cardinality bounded.
func normalizePath(path string) string {
	const prefix = "/static/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return "/static/{file}"
	}
	return path
}
