// Package audit implements the append-only entity-mutation log spec.md
// never calls out directly but which the ambient-stack carry-over rule
// requires regardless: unit create and delete, application/network/device
// create-update-delete, device-route and network-route create and delete,
// and every auth role change are recorded. A unit update writes no entry.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Action identifies one audited operation. Broker mutation actions use
// "{entity}.{verb}"; auth actions use "auth.{verb}".
type Action string

const (
	ActionUnitCreate     Action = "unit.create"
	ActionUnitDelete     Action = "unit.delete"
	ActionAppCreate      Action = "application.create"
	ActionAppUpdate      Action = "application.update"
	ActionAppDelete      Action = "application.delete"
	ActionNetCreate      Action = "network.create"
	ActionNetUpdate      Action = "network.update"
	ActionNetDelete      Action = "network.delete"
	ActionDeviceCreate   Action = "device.create"
	ActionDeviceUpdate   Action = "device.update"
	ActionDeviceDelete   Action = "device.delete"
	ActionDeviceRouteAdd Action = "device_route.create"
	ActionDeviceRouteDel Action = "device_route.delete"
	ActionNetRouteAdd    Action = "network_route.create"
	ActionNetRouteDel    Action = "network_route.delete"
	ActionUserRoleChange Action = "user.role_change"
	ActionUserDisable    Action = "user.disable"
	ActionLoginSuccess   Action = "auth.login.success"
	ActionLoginFailed    Action = "auth.login.failed"
)

// Entry is one audit record.
type Entry struct {
	Actor    string // user_id of the caller, empty for system/service actions
	Action   Action
	Target   string // entity id the action applies to
	Metadata map[string]any
}

// Service defines the contract for recording security-relevant events.
type Service interface {
	Log(ctx context.Context, entry Entry)
}

// JSONLogger writes structured entries to its own slog.Logger instance,
// tagged with a "log_type" field log aggregators can filter into a
// dedicated index, independent of the application's ordinary logger
// formatting (spec.md §9 carries this ambient concern regardless of
// Non-goals).
type JSONLogger struct {
	logger *slog.Logger
}

// NewJSONLogger builds a logger writing to stdout. Pass an explicit
// *slog.Logger via NewJSONLoggerWith to share a handler (e.g. in tests).
func NewJSONLogger() *JSONLogger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &JSONLogger{logger: slog.New(handler)}
}

// NewJSONLoggerWith builds a logger writing through an existing *slog.Logger.
func NewJSONLoggerWith(logger *slog.Logger) *JSONLogger {
	return &JSONLogger{logger: logger}
}

func (l *JSONLogger) Log(ctx context.Context, entry Entry) {
	fields := []any{
		slog.String("log_type", "audit_trail"),
		slog.String("actor", entry.Actor),
		slog.String("action", string(entry.Action)),
		slog.String("target", entry.Target),
		slog.Time("timestamp_utc", time.Now().UTC()),
	}
	for k, v := range entry.Metadata {
		fields = append(fields, slog.Any("meta_"+k, v))
	}
	l.logger.InfoContext(ctx, "audit_event", fields...)
}

// Noop discards every entry; used where audit logging is not configured.
type Noop struct{}

func (Noop) Log(context.Context, Entry) {}
