package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/qbanksync/internal/collection"
	"github.com/agentworkforce/qbanksync/internal/stub"
)

func TestClampJitterRatio(t *testing.T) {
	assert.Equal(t, 0.0, clampJitterRatio(-0.1))
	assert.Equal(t, 1.0, clampJitterRatio(1.5))
	assert.Equal(t, 0.4, clampJitterRatio(0.4))
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
	assert.Equal(t, time.Duration(0), jitteredIntervalWithSample(0, 0.2, 1))
	assert.Equal(t, time.Millisecond, jitteredIntervalWithSample(base, 1, 0))
}

func TestApplyEdits(t *testing.T) {
	in := collection.RecordInput{Prompt: "old", Difficulty: "easy", Status: "draft"}
	out, err := applyEdits(in, []string{"prompt=What is 2+2?", "status=review", "choices=3, 4 ,5"})
	require.NoError(t, err)
	assert.Equal(t, "What is 2+2?", out.Prompt)
	assert.Equal(t, "review", out.Status)
	assert.Equal(t, []string{"3", "4", "5"}, out.Choices)
	assert.Equal(t, "easy", out.Difficulty)

	_, err = applyEdits(in, nil)
	assert.Error(t, err)
	_, err = applyEdits(in, []string{"prompt"})
	assert.Error(t, err)
	_, err = applyEdits(in, []string{"owner=me"})
	assert.Error(t, err)
}

func TestParseID(t *testing.T) {
	id, err := parseID([]string{"12"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	for _, params := range [][]string{nil, {"x"}, {"0"}, {"-4"}} {
		_, err := parseID(params)
		assert.Error(t, err, "%v", params)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger("loud", &bytes.Buffer{})
	assert.Error(t, err)
	logger, err := newLogger("debug", &bytes.Buffer{})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

type env struct {
	server  *stub.Server
	baseURL string
	undo    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	server := stub.NewServer(stub.NewStore())
	require.NoError(t, server.Store().Seed(
		collection.Record{ID: 1, Prompt: "Capital of France?", Difficulty: "easy", Status: "published"},
		collection.Record{ID: 2, Prompt: "Derivative of x^2?", Difficulty: "medium", Status: "draft"},
	))
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return &env{
		server:  server,
		baseURL: httpServer.URL,
		undo:    filepath.Join(t.TempDir(), "undo.json"),
	}
}

func (e *env) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	c := &cli{stdin: strings.NewReader(stdin), stdout: &stdout, stderr: &stderr}
	base := []string{
		"--env-file=" + filepath.Join(t.TempDir(), "none.env"),
		"--base-url=" + e.baseURL,
		"--legacy-sort-mode=remap",
		"--undo-file=" + e.undo,
		"--log-level=error",
		"--timeout=5s",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.run(ctx, append(base, args...))
	return stdout.String(), err
}

func TestListPrintsFilteredPage(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "", "--query=status=published", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Capital of France?")
	assert.NotContains(t, out, "Derivative")
	assert.Contains(t, out, "page 1, 50 per page, 1 total")
}

func TestDeleteThenRestoreAcrossInvocations(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "n\n", "delete", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Delete question 2")
	assert.Equal(t, 2, e.server.Store().Len())

	out, err = e.run(t, "y\n", "delete", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Question 2 deleted")
	assert.Equal(t, 1, e.server.Store().Len())

	out, err = e.run(t, "", "restore")
	require.NoError(t, err)
	assert.Contains(t, out, "Question 2 restored")
	assert.Equal(t, 2, e.server.Store().Len())

	out, err = e.run(t, "", "restore")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to undo")
}

func TestEditAndGet(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "", "edit", "2", "status=review", "answer=2x")
	require.NoError(t, err)
	assert.Contains(t, out, "Question 2 saved")

	out, err = e.run(t, "", "get", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "review")
	assert.Contains(t, out, "2x")
}

func TestRunRejectsMissingAndUnknownCommands(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "")
	assert.Error(t, err)
	_, err = e.run(t, "", "frobnicate")
	assert.Error(t, err)
}
