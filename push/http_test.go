// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender_Send(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverDelay    time.Duration
		timeout        time.Duration
		wantErr        bool
		errContains    string
	}{
		{
			name:           "successful request",
			serverResponse: http.StatusOK,
			timeout:        5 * time.Second,
		},
		{
			name:           "accepted",
			serverResponse: http.StatusAccepted,
			timeout:        5 * time.Second,
		},
		{
			name:           "server returns 400",
			serverResponse: http.StatusBadRequest,
			timeout:        5 * time.Second,
			wantErr:        true,
			errContains:    "non-2xx status: 400",
		},
		{
			name:           "server returns 503",
			serverResponse: http.StatusServiceUnavailable,
			timeout:        5 * time.Second,
			wantErr:        true,
			errContains:    "non-2xx status: 503",
		},
		{
			name:           "timeout exceeded",
			serverResponse: http.StatusOK,
			serverDelay:    time.Second,
			timeout:        50 * time.Millisecond,
			wantErr:        true,
			errContains:    "context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

				body, err := io.ReadAll(r.Body)
				assert.NoError(t, err)
				var env Envelope
				assert.NoError(t, json.Unmarshal(body, &env))
				assert.Equal(t, "bob", env.Data.ClientID)

				if tt.serverDelay > 0 {
					select {
					case <-time.After(tt.serverDelay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.serverResponse)
			}))
			defer server.Close()

			payload, err := Request{ClientID: "bob"}.Wrap("server-1", time.Now()).Marshal()
			require.NoError(t, err)

			sender := NewHTTPSender()
			err = sender.Send(context.Background(), server.URL, map[string]string{"X-Api-Key": "secret"}, payload, tt.timeout)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHTTPSender_Send_InvalidURL(t *testing.T) {
	sender := NewHTTPSender()
	err := sender.Send(context.Background(), "://bad-url", nil, []byte("{}"), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create request")
}
