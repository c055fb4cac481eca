// Package sink delivers decoded node reports to external consumers:
// an MQTT broker in production, a log or callback in tools and tests.
package sink

import (
	"context"

	"fieldlink/log2"
	"fieldlink/report"
)

// Sink consumes reports from node sessions. nodeID is the configured
// sensor name, stable across radio address changes. Publish must honor
// ctx; sessions call it with a short deadline and drop on error.
type Sink interface {
	Publish(ctx context.Context, nodeID string, r report.Report) error
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, nodeID string, r report.Report) error

func (f Func) Publish(ctx context.Context, nodeID string, r report.Report) error {
	return f(ctx, nodeID, r)
}

// NewLogger returns a sink that prints each report. Useful for
// fieldlink console and as MQTT fallback during bring-up.
func NewLogger(log *log2.Log) Sink {
	return Func(func(ctx context.Context, nodeID string, r report.Report) error {
		log.Infof("node %s %s %s", nodeID, r.Kind().String(), Text(r))
		return nil
	})
}
