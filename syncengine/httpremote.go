// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPRemoteStore talks to a zoned record store over its REST surface. It is
// the production RemoteStore implementation; tests substitute an in-memory
// fake behind the same interface.
type HTTPRemoteStore struct {
	BaseURL string
	HTTP    *http.Client
	// Token returns a fresh bearer token for the owner account. Called per
	// request so rotation happens without client restarts.
	Token func(ctx context.Context) (string, error)
}

// NewHTTPRemoteStore returns a client for the record store at baseURL.
func NewHTTPRemoteStore(baseURL string, token func(ctx context.Context) (string, error)) *HTTPRemoteStore {
	return &HTTPRemoteStore{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		Token:   token,
	}
}

var _ RemoteStore = (*HTTPRemoteStore)(nil)

func (c *HTTPRemoteStore) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		// Transport-level failure: the store is unreachable
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
	case resp.StatusCode == http.StatusNotFound:
		return ErrRecordNotFound
	case resp.StatusCode >= 500:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: server returned status %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// CheckAvailability probes the store's health endpoint with the caller's
// credentials, so an expired account surfaces here rather than mid-push.
func (c *HTTPRemoteStore) CheckAvailability(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/availability", nil, nil)
}

// FetchRecord returns one record or ErrRecordNotFound.
func (c *HTTPRemoteStore) FetchRecord(ctx context.Context, zone ZoneID, id string) (*Record, error) {
	var rec Record
	path := fmt.Sprintf("/zones/%s/records/%s", url.PathEscape(string(zone)), url.PathEscape(id))
	if err := c.do(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveRecord upserts the record and returns the stored version.
func (c *HTTPRemoteStore) SaveRecord(ctx context.Context, zone ZoneID, rec *Record) (*Record, error) {
	var saved Record
	path := fmt.Sprintf("/zones/%s/records/%s", url.PathEscape(string(zone)), url.PathEscape(rec.ID))
	if err := c.do(ctx, http.MethodPut, path, rec, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// DeleteRecord removes the record; a 404 is swallowed because deleting a
// missing record is not an error for the caller.
func (c *HTTPRemoteStore) DeleteRecord(ctx context.Context, zone ZoneID, id string) error {
	path := fmt.Sprintf("/zones/%s/records/%s", url.PathEscape(string(zone)), url.PathEscape(id))
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err == ErrRecordNotFound {
		return nil
	}
	return err
}

// QueryRecords returns records of recordType in the zone modified after since.
func (c *HTTPRemoteStore) QueryRecords(ctx context.Context, zone ZoneID, recordType string, since time.Time) ([]*Record, error) {
	q := url.Values{}
	q.Set("type", recordType)
	if !since.IsZero() {
		q.Set("since", formatTime(since))
	}
	path := fmt.Sprintf("/zones/%s/records?%s", url.PathEscape(string(zone)), q.Encode())

	var out struct {
		Records []*Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// ListSharedZones enumerates the shared zones visible to the owner.
func (c *HTTPRemoteStore) ListSharedZones(ctx context.Context) ([]ZoneID, error) {
	var out struct {
		Zones []ZoneID `json:"zones"`
	}
	if err := c.do(ctx, http.MethodGet, "/zones", nil, &out); err != nil {
		return nil, err
	}
	return out.Zones, nil
}
