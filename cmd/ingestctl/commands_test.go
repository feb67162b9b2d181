package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestion-scheduler/internal/api"
	"ingestion-scheduler/internal/ingest"
	"ingestion-scheduler/internal/queue"
	"ingestion-scheduler/internal/store"
)

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	svc := ingest.NewService(store.NewMemory(nil), queue.NewMemory(nil), 3, nil, zerolog.Nop())
	srv := httptest.NewServer(api.New(svc, nil, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmitThenStatus(t *testing.T) {
	srv := newAPI(t)

	out, err := run(t, "submit", "--addr", srv.URL, "--ids", "1,2,3,4", "--priority", "high")
	require.NoError(t, err)
	jobID := strings.TrimSpace(out)
	require.NotEmpty(t, jobID)

	out, err = run(t, "status", jobID, "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "job "+jobID+" priority=HIGH status=not_started")
	assert.Contains(t, out, "[1,2,3] not_started")
	assert.Contains(t, out, "[4] not_started")
}

func TestSubmitValidatesLocally(t *testing.T) {
	_, err := run(t, "submit", "--addr", "http://127.0.0.1:1", "--ids", "0", "--priority", "LOW")
	require.ErrorIs(t, err, ingest.ErrInvalidInput)

	_, err = run(t, "submit", "--addr", "http://127.0.0.1:1", "--ids", "1", "--priority", "urgent")
	require.ErrorContains(t, err, "priority must be")
}

func TestStatusUnknownJob(t *testing.T) {
	srv := newAPI(t)
	_, err := run(t, "status", "missing", "--addr", srv.URL)
	require.ErrorContains(t, err, "404 job not found")
}
