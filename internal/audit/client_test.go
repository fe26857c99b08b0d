package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerline/invoicing-service/internal/resilience"
)

func TestClientLog(t *testing.T) {
	var got Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/audit-logs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"auditLogId": "audit-7"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	id, err := c.Log(context.Background(), Entry{
		EntityType: "invoice",
		EntityID:   "inv-1",
		Action:     "created",
		ActorID:    "saga",
		Payload:    map[string]any{"sagaId": "saga-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "audit-7", id)
	require.Equal(t, "invoice", got.EntityType)
	require.Equal(t, "created", got.Action)
}

func TestClientLogServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Log(context.Background(), Entry{EntityType: "invoice", EntityID: "inv-1", Action: "created"})
	require.Error(t, err)
	require.True(t, resilience.IsTransient(err))
}
