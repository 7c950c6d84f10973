package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		APIKey:             "sk-test",
		BaseURL:            srv.URL + "/",
		Model:              "gpt-test",
		TranscriptionModel: "whisper-test",
		Retry:              retry.Policy{MaxAttempts: 3, InitialDelay: time.Second, Sleep: noSleep},
	}, logging.NewNopLogger(), nil)
}

func chatReply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":    "chatcmpl-1",
		"model": "gpt-test",
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func summaryRequest() StructuredRequest {
	return StructuredRequest{
		Operation:  OpSummarize,
		System:     "system",
		Prompt:     "prompt",
		SchemaName: "agenda_notes",
		Schema:     summarySchema,
	}
}

func TestClient_CompleteJSON(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		chatReply(w, `{"notes":[{"agenda_item_id":"a1","notes":"Budget approved."}]}`)
	}))
	defer srv.Close()

	var resp summaryResponse
	err := newTestClient(srv).CompleteJSON(context.Background(), summaryRequest(), &resp)
	require.NoError(t, err)

	require.Len(t, resp.Notes, 1)
	assert.Equal(t, "a1", resp.Notes[0].AgendaItemID)

	assert.Equal(t, "gpt-test", captured["model"])
	format := captured["response_format"].(map[string]interface{})
	assert.Equal(t, "json_schema", format["type"])
	schema := format["json_schema"].(map[string]interface{})
	assert.Equal(t, "agenda_notes", schema["name"])
	assert.Equal(t, true, schema["strict"])

	messages := captured["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
}

func TestClient_CompleteJSON_StripsCodeFence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(w, "```json\n{\"notes\":[]}\n```")
	}))
	defer srv.Close()

	var resp summaryResponse
	require.NoError(t, newTestClient(srv).CompleteJSON(context.Background(), summaryRequest(), &resp))
	assert.Empty(t, resp.Notes)
}

func TestClient_RetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"requests"}}`)
			return
		}
		chatReply(w, `{"notes":[]}`)
	}))
	defer srv.Close()

	var resp summaryResponse
	require.NoError(t, newTestClient(srv).CompleteJSON(context.Background(), summaryRequest(), &resp))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryBadRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Invalid schema","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	var resp summaryResponse
	err := newTestClient(srv).CompleteJSON(context.Background(), summaryRequest(), &resp)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var provErr *merrors.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, http.StatusBadRequest, provErr.StatusCode)
	assert.Equal(t, "Invalid schema", provErr.Message)
}

func TestClient_ExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var resp summaryResponse
	err := newTestClient(srv).CompleteJSON(context.Background(), summaryRequest(), &resp)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	var provErr *merrors.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, http.StatusServiceUnavailable, provErr.StatusCode)
}

func TestClient_ParseErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		chatReply(w, "Sure! Here are the notes you asked for.")
	}))
	defer srv.Close()

	var resp summaryResponse
	err := newTestClient(srv).CompleteJSON(context.Background(), summaryRequest(), &resp)
	assert.True(t, merrors.IsParseError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-test", r.FormValue("model"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "part-1.webm", header.Filename)
		audio, _ := io.ReadAll(file)
		assert.Equal(t, []byte("RIFF"), audio)

		_, _ = io.WriteString(w, `{"text":"Good morning everyone."}`)
	}))
	defer srv.Close()

	text, err := newTestClient(srv).Transcribe(context.Background(), []byte("RIFF"), "part-1.webm")
	require.NoError(t, err)
	assert.Equal(t, "Good morning everyone.", text)
}

func TestClient_TranscribeRetriesServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"text":"ok"}`)
	}))
	defer srv.Close()

	text, err := newTestClient(srv).Transcribe(context.Background(), []byte("x"), "a.webm")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSchemaFor_Strict(t *testing.T) {
	raw, err := json.Marshal(SchemaFor(&summaryResponse{}))
	require.NoError(t, err)

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &schema))

	assert.NotContains(t, schema, "$schema")
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Equal(t, []interface{}{"notes"}, schema["required"])
}

func TestActionItemsSchema_NullableFields(t *testing.T) {
	raw, err := json.Marshal(actionItemsSchema)
	require.NoError(t, err)

	var schema struct {
		Properties struct {
			Items struct {
				Items struct {
					Required   []string                          `json:"required"`
					Properties map[string]map[string]interface{} `json:"properties"`
				} `json:"items"`
			} `json:"items"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(raw, &schema))
	item := schema.Properties.Items.Items

	assert.ElementsMatch(t, []string{"title", "owner", "dueDate", "priority"}, item.Required)
	assert.Equal(t, "string", item.Properties["title"]["type"])
	for _, name := range []string{"dueDate", "priority"} {
		prop := item.Properties[name]
		assert.NotContains(t, prop, "type", name)
		anyOf, ok := prop["anyOf"].([]interface{})
		require.True(t, ok, name)
		require.Len(t, anyOf, 2, name)
		assert.Equal(t, "string", anyOf[0].(map[string]interface{})["type"], name)
		assert.Equal(t, "null", anyOf[1].(map[string]interface{})["type"], name)
	}
	assert.Equal(t, "YYYY-MM-DD or null", item.Properties["dueDate"]["description"])
	enum := item.Properties["priority"]["anyOf"].([]interface{})[0].(map[string]interface{})["enum"]
	assert.Equal(t, []interface{}{"High", "Normal", "Low"}, enum)
}

func TestNullable_SkipsUnknownProperties(t *testing.T) {
	s := SchemaFor(&summaryResponse{})
	Nullable(s, "missing")
	Nullable(nil, "notes")

	_, ok := s.Properties.Get("missing")
	assert.False(t, ok)
}
