package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(" ", "tok")
	require.Error(t, err)
	require.Contains(t, err.Error(), "phone number id")

	_, err = NewClient("123", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "token")
}

func TestSendText_HappyPath(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"wa_id":"947"}],"messages":[{"id":"wamid.OUT1"}]}`))
	}))
	defer srv.Close()

	c, err := NewClient("555", "secret-token", WithBaseURL(srv.URL), WithAPIVersion("v21.0"))
	require.NoError(t, err)

	res, err := c.SendText(context.Background(), "947", "hello there")
	require.NoError(t, err)
	require.Equal(t, "wamid.OUT1", res.MessageID)
	require.JSONEq(t, `{"messaging_product":"whatsapp","contacts":[{"wa_id":"947"}],"messages":[{"id":"wamid.OUT1"}]}`, string(res.Raw))

	require.Equal(t, "/v21.0/555/messages", gotPath)
	require.Equal(t, "Bearer secret-token", gotAuth)
	require.Equal(t, "whatsapp", gotBody["messaging_product"])
	require.Equal(t, "947", gotBody["to"])
	require.Equal(t, "text", gotBody["type"])
	require.Equal(t, map[string]any{"body": "hello there"}, gotBody["text"])
}

func TestSendText_NoMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`accepted`))
	}))
	defer srv.Close()

	c, err := NewClient("555", "tok", WithBaseURL(srv.URL))
	require.NoError(t, err)
	res, err := c.SendText(context.Background(), "947", "hi")
	require.NoError(t, err)
	require.Empty(t, res.MessageID)
	require.JSONEq(t, `{"raw":"accepted"}`, string(res.Raw))
}

func TestSendText_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad token"}}`))
	}))
	defer srv.Close()

	c, err := NewClient("555", "tok", WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = c.SendText(context.Background(), "947", "hi")
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "bad token")
}

func TestSendText_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient("555", "tok", WithBaseURL(srv.URL), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	_, err = c.SendText(context.Background(), "947", "hi")
	require.Error(t, err)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	require.True(t, netErr.Timeout())
}

func TestSendText_Validation(t *testing.T) {
	c, err := NewClient("555", "tok")
	require.NoError(t, err)
	_, err = c.SendText(context.Background(), "", "hi")
	require.Error(t, err)
	_, err = c.SendText(context.Background(), "947", "  ")
	require.Error(t, err)
}
