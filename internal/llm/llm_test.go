package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "bare object", input: `{"a":1}`, want: `{"a":1}`},
		{name: "leading prose", input: "Here is the plan:\n{\"a\":1}", want: `{"a":1}`},
		{name: "fenced", input: "```json\n{\"a\":{\"b\":2}}\n```", want: `{"a":{"b":2}}`},
		{name: "trailing prose", input: `{"a":1} hope this helps`, want: `{"a":1}`},
		{name: "no braces", input: "I could not determine a fix.", wantErr: true},
		{name: "reversed braces", input: "} oops {", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractObject(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSONObject)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newFakeAnthropic(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete(t *testing.T) {
	var req map[string]any
	srv := newFakeAnthropic(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [{"type": "text", "text": "{\"summary\": \"ok\"}"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 3, "output_tokens": 5}
	}`, &req)

	c := NewClient("test-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	text, err := c.Complete(context.Background(), "you are an SRE", "fix it")
	require.NoError(t, err)
	assert.Equal(t, `{"summary": "ok"}`, text)

	assert.Equal(t, "claude-test", req["model"])
	msgs, ok := req["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestComplete_APIError(t *testing.T) {
	srv := newFakeAnthropic(t, http.StatusInternalServerError,
		`{"type":"error","error":{"type":"api_error","message":"boom"}}`, nil)

	c := NewClient("test-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	_, err := c.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic API call")
}

func TestComplete_NoText(t *testing.T) {
	srv := newFakeAnthropic(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [], "stop_reason": "end_turn",
		"usage": {"input_tokens": 1, "output_tokens": 0}
	}`, nil)

	c := NewClient("test-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	_, err := c.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no text content")
}
