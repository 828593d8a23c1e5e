// Package telemetry holds the label vocabulary shared by logs and metrics.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelService  TelemetryLabel = "service"
	LabelHandle   TelemetryLabel = "handle"
	LabelRoute    TelemetryLabel = "route"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelPeerID   TelemetryLabel = "peer_identity"
	LabelIdentity TelemetryLabel = "identity"
	LabelRPCCode  TelemetryLabel = "rpc_code"
	LabelUUID     TelemetryLabel = "uuid"
	LabelSource   TelemetryLabel = "source"
)

// M builds a metric label.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L builds a structured log attribute.
func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With returns a copy of base extended with extra, base is never mutated.
func With(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
