package aiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespond(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/protocol-ai-response", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":"Keep icing","context":{"recoveryDay":4,"phase":"early recovery",
			"detectedActions":[{"type":"pain_report","confidence":0.9}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", time.Second)
	resp, err := c.Respond(context.Background(), Request{Message: "my knee hurts", PatientID: "p-1"})
	require.NoError(t, err)

	assert.Equal(t, "my knee hurts", got.Message)
	assert.NotNil(t, got.ConversationHistory)
	assert.Equal(t, "Keep icing", resp.Response)
	assert.Equal(t, 4, resp.Context.RecoveryDay)
	require.Len(t, resp.Context.DetectedActions, 1)
	assert.Equal(t, "pain_report", resp.Context.DetectedActions[0].Type)
}

func TestRespond_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Respond(context.Background(), Request{Message: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestRespond_NotConfigured(t *testing.T) {
	_, err := New("", time.Second).Respond(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	var nilClient *Client
	_, err = nilClient.Respond(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRespond_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := New(srv.URL, 20*time.Millisecond).Respond(context.Background(), Request{Message: "hi"})
	assert.Error(t, err)
}
