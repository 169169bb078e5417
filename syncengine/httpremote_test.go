// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testToken(ctx context.Context) (string, error) {
	return "test-token", nil
}

func TestHTTPRemoteFetchRecord(t *testing.T) {
	want := &Record{
		ID:         "rec-1",
		Type:       EntityStudent,
		Fields:     map[string]any{"first_name": "Amelia"},
		ModifiedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/zones/_private/records/rec-1", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewEncoder(w).Encode(want))
	}))
	defer srv.Close()

	client := NewHTTPRemoteStore(srv.URL, testToken)
	got, err := client.FetchRecord(context.Background(), ZonePrivate, "rec-1")
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, "Amelia", got.Fields["first_name"])
	require.True(t, got.ModifiedAt.Equal(want.ModifiedAt))
}

func TestHTTPRemoteFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPRemoteStore(srv.URL, testToken)
	_, err := client.FetchRecord(context.Background(), ZonePrivate, "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestHTTPRemoteSaveRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/zones/_private/records/rec-1", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var rec Record
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		// The server is authoritative for the stored timestamp
		rec.ModifiedAt = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, json.NewEncoder(w).Encode(&rec))
	}))
	defer srv.Close()

	client := NewHTTPRemoteStore(srv.URL, testToken)
	saved, err := client.SaveRecord(context.Background(), ZonePrivate, &Record{
		ID:     "rec-1",
		Type:   EntityStudent,
		Fields: map[string]any{"first_name": "Amelia"},
	})
	require.NoError(t, err)
	require.Equal(t, "rec-1", saved.ID)
	require.False(t, saved.ModifiedAt.IsZero())
}

func TestHTTPRemoteDeleteMissingIsNoError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPRemoteStore(srv.URL, testToken)
	require.NoError(t, client.DeleteRecord(context.Background(), ZonePrivate, "gone"))
}

func TestHTTPRemoteQueryRecordsParams(t *testing.T) {
	since := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, EntityDocument, r.URL.Query().Get("type"))
		require.Equal(t, "2026-08-01T10:00:00.000Z", r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`{"records": []}`))
	}))
	defer srv.Close()

	client := NewHTTPRemoteStore(srv.URL, testToken)
	records, err := client.QueryRecords(context.Background(), ZonePrivate, EntityDocument, since)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestHTTPRemoteServerFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of disk", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPRemoteStore(srv.URL, testToken)
	require.ErrorIs(t, client.CheckAvailability(context.Background()), ErrUnavailable)
}

func TestHTTPRemoteTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening anymore

	client := NewHTTPRemoteStore(srv.URL, testToken)
	require.ErrorIs(t, client.CheckAvailability(context.Background()), ErrUnavailable)
}

func TestHTTPRemoteListSharedZones(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/zones", r.URL.Path)
		_, _ = w.Write([]byte(`{"zones": ["shared-1b4e28ba-2fa1-41d2-883f-0016d3cca427"]}`))
	}))
	defer srv.Close()

	client := NewHTTPRemoteStore(srv.URL, testToken)
	zones, err := client.ListSharedZones(context.Background())
	require.NoError(t, err)
	require.Len(t, zones, 1)
	_, ok := IsSharedZone(zones[0])
	require.True(t, ok)
}
