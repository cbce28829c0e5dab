package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	require.NoError(t, w.Close())
	os.Stdout = orig

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestCmdStatusReportsExitErrorWhenUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 50*time.Millisecond)

	var err error
	out := captureStdout(t, func() {
		err = cmdStatus(context.Background(), c)
	})

	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.code)
	assert.Contains(t, out, "unreachable")
}

func TestCmdStatusPrintsSnapshotFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"instance_id":"inst-1","source_state":"connected","driver_state":"streaming","psync_offset":7,"full_sync_done":true,"targets":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	var err error
	out := captureStdout(t, func() {
		err = cmdStatus(context.Background(), c)
	})
	require.NoError(t, err)
	assert.Contains(t, out, "inst-1")
	assert.Contains(t, out, "streaming")
}

func TestCmdTargetsListsEachTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"instance_id":"inst-1","targets":[{"name":"t1","state":"cooling","applied":10,"failed":2,"last_error":"boom","consecutive_failures":2}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	var err error
	out := captureStdout(t, func() {
		err = cmdTargets(context.Background(), c)
	})
	require.NoError(t, err)
	assert.Contains(t, out, "t1")
	assert.Contains(t, out, "cooling")
	assert.Contains(t, out, "boom")
}

func TestCmdCooldownCallsEndpointAndReportsSuccess(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	var err error
	out := captureStdout(t, func() {
		err = cmdCooldown(context.Background(), c, "t1")
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Contains(t, out, "t1")
}
