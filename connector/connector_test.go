package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHttpMessageSender(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "+15550100", body["recipient"])
		json.NewEncoder(w).Encode(map[string]string{"messageRef": "wamid-1"})
	}))
	defer srv.Close()

	sender := NewMessageSender(Config{MessageServiceURL: srv.URL, MaxRetries: 2, RetryInterval: time.Millisecond})
	ref, err := sender.Send(context.Background(), "+15550100", "hello")
	require.NoError(t, err)
	require.Equal(t, "wamid-1", ref)
	require.EqualValues(t, 2, calls.Load())
}

func TestHttpClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sender := NewMessageSender(Config{MessageServiceURL: srv.URL, MaxRetries: 3, RetryInterval: time.Millisecond})
	_, err := sender.Send(context.Background(), "+15550100", "hello")
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestHttpFormService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["formRef"] == "empty" {
			json.NewEncoder(w).Encode(map[string]string{})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "inst-" + body["formRef"].(string)})
	}))
	defer srv.Close()

	forms := NewFormService(Config{FormServiceURL: srv.URL})
	id, err := forms.CreateInstance(context.Background(), "leave", map[string]any{"days": 2})
	require.NoError(t, err)
	require.Equal(t, "inst-leave", id)
	_, err = forms.CreateInstance(context.Background(), "empty", nil)
	require.Error(t, err)
}

func TestLogCollaborators(t *testing.T) {
	sender := NewMessageSender(Config{})
	require.IsType(t, &LogMessageSender{}, sender)
	ref, err := sender.Send(context.Background(), "+15550100", "hello")
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	forms := NewFormService(Config{})
	id, err := forms.CreateInstance(context.Background(), "leave", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
}
