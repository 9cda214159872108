// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPReceiver_Configure(t *testing.T) {
	for name, settings := range map[string]Settings{
		"missing url": {},
		"no host":     {{Key: "Url", Value: "/msh"}},
		"https":       {{Key: "Url", Value: "https://localhost:8443/msh"}},
		"bad rate":    {{Key: "Url", Value: "http://localhost:8080/msh"}, {Key: "RequestsPerSecond", Value: "fast"}},
		"neg rate":    {{Key: "Url", Value: "http://localhost:8080/msh"}, {Key: "RequestsPerSecond", Value: "-1"}},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, NewHTTPReceiver().Configure(settings), ErrConfiguration)
		})
	}
}

func TestHTTPReceiver_Handler(t *testing.T) {
	r := NewHTTPReceiver()
	require.NoError(t, r.Configure(Settings{
		{Key: "Url", Value: "http://127.0.0.1:0/msh"},
		{Key: "MaxBodySize", Value: "64"},
	}))

	srv := httptest.NewServer(r.Handler(func(_ context.Context, m *ReceivedMessage) (Result, error) {
		switch string(m.Body) {
		case "reply":
			return Reply("application/soap+xml", []byte("<Receipt/>")), nil
		case "later":
			return Requeue(), nil
		case "fail":
			return Result{}, errors.New("broken")
		}
		assert.Equal(t, "multipart/related", m.ContentType)
		assert.NotEmpty(t, m.ID)
		return Ack(), nil
	}))
	defer srv.Close()

	post := func(body string) *http.Response {
		resp, err := http.Post(srv.URL+"/msh", "multipart/related", bytes.NewBufferString(body))
		require.NoError(t, err)
		return resp
	}

	resp := post("message")
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = post("reply")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/soap+xml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "<Receipt/>", string(body))

	for _, tc := range []struct {
		body   string
		status int
	}{
		{"later", http.StatusServiceUnavailable},
		{"fail", http.StatusInternalServerError},
		{"", http.StatusBadRequest},
		{string(make([]byte, 65)), http.StatusRequestEntityTooLarge},
	} {
		resp := post(tc.body)
		resp.Body.Close()
		assert.Equal(t, tc.status, resp.StatusCode, "body %q", tc.body)
	}

	resp, err := http.Get(srv.URL + "/msh")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPReceiver_RateLimit(t *testing.T) {
	r := NewHTTPReceiver()
	require.NoError(t, r.Configure(Settings{
		{Key: "Url", Value: "http://127.0.0.1:0/msh"},
		{Key: "RequestsPerSecond", Value: "0.001"},
		{Key: "Burst", Value: "1"},
	}))
	srv := httptest.NewServer(r.Handler(func(context.Context, *ReceivedMessage) (Result, error) {
		return Ack(), nil
	}))
	defer srv.Close()

	var codes []int
	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/msh", "text/xml", bytes.NewBufferString("m"))
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusTooManyRequests}, codes)
}

func TestHTTPReceiver_StartAndStop(t *testing.T) {
	r := NewHTTPReceiver()
	require.NoError(t, r.Configure(Settings{{Key: "Url", Value: "http://127.0.0.1:0/msh"}}))

	done := make(chan error, 1)
	go func() {
		done <- r.StartReceiving(context.Background(), func(context.Context, *ReceivedMessage) (Result, error) {
			return Ack(), nil
		})
	}()
	require.Eventually(t, func() bool { return r.State() == StatePolling }, time.Second, 5*time.Millisecond)
	r.StopReceiving()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, r.State())
}
