package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientStatusDecodesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"instance_id":"inst-1","source_state":"connected","driver_state":"streaming","psync_offset":7,"full_sync_done":true,"targets":[{"name":"t1","state":"active","applied":3,"failed":1}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	snap, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "inst-1", snap.InstanceID)
	assert.Equal(t, int64(7), snap.PSyncOffset)
	require.Len(t, snap.Targets, 1)
	assert.Equal(t, "t1", snap.Targets[0].Name)
}

func TestClientStatusReturnsErrorOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}

func TestClientCooldownPostsToTargetPath(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	require.NoError(t, c.Cooldown(context.Background(), "t1"))
	assert.Equal(t, "/targets/t1/cooldown", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestClientCooldownReturnsErrorOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "status: unknown target: ghost", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	err := c.Cooldown(context.Background(), "ghost")
	assert.Error(t, err)
}
