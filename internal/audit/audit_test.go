package audit_test

import (
	"bytes"
	"context"
	"log/slog"
	"encoding/json"
	"testing"

	"github.com/nimbusgrid/iotbroker/internal/audit"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewJSONLoggerWith(slog.New(slog.NewJSONHandler(&buf, nil)))

	logger.Log(context.Background(), audit.Entry{
		Actor:    "user-1",
		Action:   audit.ActionDeviceDelete,
		Target:   "device-1",
		Metadata: map[string]any{"unit": "acme"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "device.delete", line["action"])
	require.Equal(t, "user-1", line["actor"])
	require.Equal(t, "device-1", line["target"])
	require.Equal(t, "acme", line["meta_unit"])
}

func TestNoopDiscards(t *testing.T) {
	var svc audit.Service = audit.Noop{}
	svc.Log(context.Background(), audit.Entry{Action: audit.ActionLoginFailed})
}
