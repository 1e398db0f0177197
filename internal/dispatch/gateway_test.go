package dispatch

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

func TestHTTPGatewaySubmit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))

		var body submitRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, r.Header.Get("Idempotency-Key"), body.IdempotencyKey)
		assert.Equal(t, "Prepare ESG proposal", body.Task.Description)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"outlook-42"}`))
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, time.Second, 0, 1)
	ack, err := gw.Submit(context.Background(), newRecord("t1", 3))
	require.NoError(t, err)
	assert.Equal(t, "outlook-42", ack.ExternalID)
	assert.False(t, ack.Duplicate)
	assert.EqualValues(t, 1, hits.Load())
}

func TestHTTPGatewayStatusClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantErr   bool
		reject    bool
		duplicate bool
	}{
		{name: "created", status: http.StatusCreated},
		{name: "conflict is duplicate ack", status: http.StatusConflict, duplicate: true},
		{name: "bad request rejects", status: http.StatusBadRequest, wantErr: true, reject: true},
		{name: "server error retries", status: http.StatusBadGateway, wantErr: true},
		{name: "throttled retries", status: http.StatusTooManyRequests, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"id":"evt-1"}`))
			}))
			defer srv.Close()

			ack, err := NewHTTPGateway(srv.URL, time.Second, 100, 5).Submit(context.Background(), newRecord("t1", 1))
			if !tc.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tc.duplicate, ack.Duplicate)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.reject, IsReject(err))
		})
	}
}

func TestHTTPGatewayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPGateway(url, 200*time.Millisecond, 0, 1).Submit(context.Background(), newRecord("t1", 1))
	require.Error(t, err)
	assert.False(t, IsReject(err))
}
