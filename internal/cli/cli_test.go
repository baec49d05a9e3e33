package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/dispatchd/internal/uds"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// startFakeDaemon serves the control socket in stateDir with the given
// handlers and stops it when the test ends.
func startFakeDaemon(t *testing.T, stateDir string, handlers map[string]uds.HandlerFunc) {
	t.Helper()
	srv := uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), log.New(io.Discard, "", 0))
	for name, h := range handlers {
		srv.Handle(name, h)
	}
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dispatchd 0.1.0")
}

func TestEnqueueCommand(t *testing.T) {
	dir := t.TempDir()
	var got map[string]any
	startFakeDaemon(t, dir, map[string]uds.HandlerFunc{
		"enqueue": func(req *uds.Request) *uds.Response {
			got = decodeParams(t, req)
			return uds.SuccessResponse(map[string]string{
				"request_id": "req_1",
				"session_id": "sess_1",
			})
		},
	})

	out, err := execute(t, "enqueue", "what's", "the", "weather?",
		"--state-dir", dir, "--user", "u1")
	require.NoError(t, err)

	assert.Contains(t, out, "request_id=req_1")
	assert.Equal(t, "what's the weather?", got["command"])
	assert.Equal(t, "u1", got["user_id"])
}

func TestEnqueueCommand_DaemonError(t *testing.T) {
	dir := t.TempDir()
	startFakeDaemon(t, dir, map[string]uds.HandlerFunc{
		"enqueue": func(req *uds.Request) *uds.Response {
			return uds.ErrorResponse(uds.ErrCodeOverloaded, "request queue full")
		},
	})

	_, err := execute(t, "enqueue", "hello", "--state-dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), uds.ErrCodeOverloaded)
	assert.Contains(t, err.Error(), "request queue full")
}

func TestEnqueueCommand_DaemonDown(t *testing.T) {
	_, err := execute(t, "enqueue", "hello", "--state-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Is the daemon running?")
}

func TestStatsCommand(t *testing.T) {
	dir := t.TempDir()
	startFakeDaemon(t, dir, map[string]uds.HandlerFunc{
		"stats": func(req *uds.Request) *uds.Response {
			return uds.SuccessResponse(map[string]any{
				"queue_depth":       3,
				"dead_letter_depth": 1,
				"served_total":      42,
				"uptime_sec":        7,
				"consumers":         2,
				"breakers": map[string]any{
					"weather": map[string]any{"state": "open", "failure_count": 5},
				},
			})
		},
	})

	out, err := execute(t, "stats", "--state-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "queue_depth:       3")
	assert.Contains(t, out, "weather")
	assert.Contains(t, out, "state=open")
}

func TestFileAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipt.pdf")
	require.NoError(t, os.WriteFile(path, []byte("fake pdf body"), 0644))

	info, err := fileAttachment(path)
	require.NoError(t, err)
	assert.Equal(t, "receipt.pdf", info.Name)
	assert.Equal(t, int64(13), info.SizeBytes)
	assert.Contains(t, info.ContentType, "application/pdf")

	_, err = fileAttachment(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func decodeParams(t *testing.T, req *uds.Request) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(req.Params, &out))
	return out
}
