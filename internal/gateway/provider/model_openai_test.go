package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"busy"}}`))
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "m1", body["model"])
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"action\":\"APPROVE\",\"confidence\":80}"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIModelProvider(ModelCfg{ID: "t", APIURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "m1", Enabled: true, MaxRetries: 2})
	out, err := p.Call(context.Background(), ChatPayload{System: "s", User: "u", ExpectJSON: true})
	require.NoError(t, err)
	assert.Contains(t, out, "APPROVE")
	assert.EqualValues(t, 2, calls.Load())
}

func TestCompleteHonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewOpenAIModelProvider(ModelCfg{ID: "t", APIURL: srv.URL, Enabled: true})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Call(ctx, ChatPayload{User: "u"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompleteNonRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()
	p := NewOpenAIModelProvider(ModelCfg{ID: "t", APIURL: srv.URL, Enabled: true, MaxRetries: 3})
	_, err := p.Call(context.Background(), ChatPayload{User: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}
