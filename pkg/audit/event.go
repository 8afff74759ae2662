// Package audit emits one invocation-trace event per adapter call. Recorders
// never block or fail the invocation they describe.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event describes one adapter call
type Event struct {
	ID          string         `json:"id"`
	Route       string         `json:"route,omitempty"`
	NodeID      int64          `json:"nodeId"`
	NodeName    string         `json:"nodeName,omitempty"`
	Kind        string         `json:"kind"`
	InputBefore map[string]any `json:"inputBefore,omitempty"`
	RawRequest  string         `json:"rawRequest,omitempty"`
	RawResponse string         `json:"rawResponse,omitempty"`
	OutputAfter map[string]any `json:"outputAfter,omitempty"`
	ElapsedMs   int64          `json:"elapsedMs"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`

	// PayloadRef points at the full event when it was offloaded to blob storage
	PayloadRef string `json:"payloadRef,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time
func NewEvent(nodeID int64, nodeName, kind string) Event {
	return Event{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		NodeName:  nodeName,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// Recorder receives trace events. Emit must return promptly.
type Recorder interface {
	Emit(Event)
}

// RecorderFunc adapts a function to Recorder
type RecorderFunc func(Event)

// Emit calls f(e)
func (f RecorderFunc) Emit(e Event) { f(e) }

// Nop discards events
type Nop struct{}

// Emit does nothing
func (Nop) Emit(Event) {}

// LogRecorder writes a summary line per event
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a recorder logging at debug level, warn for failures
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger}
}

// Emit logs the event without payloads
func (r *LogRecorder) Emit(e Event) {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.Int64("node_id", e.NodeID),
		zap.String("node_name", e.NodeName),
		zap.String("kind", e.Kind),
		zap.Int64("elapsed_ms", e.ElapsedMs),
	}
	if e.Route != "" {
		fields = append(fields, zap.String("route", e.Route))
	}
	if e.Error != "" {
		r.logger.Warn("Node invocation failed", append(fields, zap.String("error", e.Error))...)
		return
	}
	r.logger.Debug("Node invocation", fields...)
}

// Multi fans an event out to several recorders in order
type Multi []Recorder

// Emit forwards e to every recorder
func (m Multi) Emit(e Event) {
	for _, r := range m {
		if r != nil {
			r.Emit(e)
		}
	}
}

type routeKey struct{}

// WithRoute tags ctx with the inbound route recorded on events
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey{}, route)
}

// RouteFrom returns the route set by WithRoute
func RouteFrom(ctx context.Context) string {
	route, _ := ctx.Value(routeKey{}).(string)
	return route
}
