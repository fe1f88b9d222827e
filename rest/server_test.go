package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohitkumar/chatflow/action"
	"github.com/mohitkumar/chatflow/connector"
	"github.com/mohitkumar/chatflow/engine"
	"github.com/mohitkumar/chatflow/metadata"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence/memory"
	"github.com/stretchr/testify/require"
)

const replyFlow = `{
	"id": "reply",
	"variables": [{"name": "score", "dataType": "integer", "rules": "min:0|max:10"}],
	"nodes": [
		{"id": "ask", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "rate us"}},
		{"id": "reply", "type": "wait-reply", "data": {"from": "{$.input.phone}"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "ask", "target": "reply"},
		{"source": "reply", "target": "end"}
	]
}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	storage := memory.New(1)
	md := metadata.NewMetadataService(storage, time.Minute)
	dispatcher := action.NewDispatcher(connector.NewMessageSender(connector.Config{}), connector.NewFormService(connector.Config{}), action.Options{DefaultWaitTimeout: time.Hour})
	eng := engine.NewFlowEngine(storage, md, dispatcher, engine.Config{})
	s, err := NewServer(0, md, eng)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method string, path string, body string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := make(map[string]any)
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestServer(t *testing.T) {
	srv := newTestServer(t)

	code, out := call(t, srv, http.MethodPost, "/definitions", replyFlow)
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, true, out["created"])

	code, out = call(t, srv, http.MethodPost, "/definitions", `{"id": "cyclic", "nodes": [{"id": "a", "type": "start"}, {"id": "b", "type": "terminal"}], "edges": [{"source": "a", "target": "b"}, {"source": "b", "target": "a"}]}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.NotEmpty(t, out["problems"])

	code, out = call(t, srv, http.MethodGet, "/definitions/reply", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "reply", out["id"])

	code, _ = call(t, srv, http.MethodGet, "/definitions/missing", "")
	require.Equal(t, http.StatusNotFound, code)

	code, out = call(t, srv, http.MethodPost, "/executions", `{"definitionId": "reply", "input": {"phone": "+1 555 0100"}, "actor": {"kind": "user", "id": "ops"}}`)
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, string(model.EXECUTION_WAITING), out["state"])
	id := out["executionId"].(string)

	code, out = call(t, srv, http.MethodGet, "/executions/"+id, "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out["steps"], 2)

	code, out = call(t, srv, http.MethodPut, "/executions/"+id+"/variables/score", `{"value": "7", "actor": {"kind": "user", "id": "ops"}}`)
	require.Equal(t, http.StatusOK, code, out)
	require.EqualValues(t, 7, out["value"])
	code, _ = call(t, srv, http.MethodPut, "/executions/"+id+"/variables/score", `{"value": 11}`)
	require.Equal(t, http.StatusBadRequest, code)
	code, out = call(t, srv, http.MethodGet, "/executions/"+id+"/variables/score", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "user:ops", out["sourceRef"])

	code, _ = call(t, srv, http.MethodPost, "/executions/"+id+"/resume", "")
	require.Equal(t, http.StatusConflict, code)

	code, out = call(t, srv, http.MethodPost, "/triggers/inbound-message", `{"sender": "+15550100", "body": "9"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, out["resumed"])
	require.Equal(t, string(model.EXECUTION_COMPLETED), out["state"])

	code, out = call(t, srv, http.MethodPost, "/triggers/inbound-message", `{"sender": "+15550100", "body": "again"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, out["resumed"])

	code, _ = call(t, srv, http.MethodPost, "/executions/"+id+"/cancel", `{"reason": "late"}`)
	require.Equal(t, http.StatusConflict, code)
	code, _ = call(t, srv, http.MethodPut, "/executions/"+id+"/variables/score", `{"value": "8"}`)
	require.Equal(t, http.StatusConflict, code)

	code, _ = call(t, srv, http.MethodPost, "/triggers/message-ack", `{"status": "delivered"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, http.MethodPost, "/triggers/form-decision", `not json`)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = call(t, srv, http.MethodPost, "/triggers/form-decision", `{"executionId": "`+id+`", "decision": "maybe"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, http.MethodDelete, "/executions/"+id, "")
	require.Equal(t, http.StatusOK, code)
	code, _ = call(t, srv, http.MethodGet, "/executions/"+id, "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestServerCancelAndPause(t *testing.T) {
	srv := newTestServer(t)
	code, _ := call(t, srv, http.MethodPost, "/definitions", replyFlow)
	require.Equal(t, http.StatusOK, code)

	_, out := call(t, srv, http.MethodPost, "/executions", `{"definitionId": "reply", "input": {"phone": "+1 555 0100"}}`)
	id := out["executionId"].(string)

	code, out = call(t, srv, http.MethodPost, "/executions/"+id+"/pause", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(model.EXECUTION_PAUSED), out["state"])

	code, out = call(t, srv, http.MethodPost, "/executions/"+id+"/resume", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(model.EXECUTION_WAITING), out["state"])

	code, out = call(t, srv, http.MethodPost, "/executions/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(model.EXECUTION_CANCELLED), out["state"])

	code, out = call(t, srv, http.MethodPost, "/triggers/scan-result", `{"executionId": "`+id+`", "payload": {"badge": 1}}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, out["resumed"])
	require.Equal(t, string(model.EXECUTION_CANCELLED), out["state"])

	code, _ = call(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
}
