package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Client talks to the chat backend's REST API. It implements KeyDirectory
// and HistoryService.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type uploadKeyRequest struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

type uploadKeyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// UploadKey registers the user's public key with the server.
func (c *Client) UploadKey(ctx context.Context, userID, publicKey string) error {
	body, err := json.Marshal(uploadKeyRequest{UserID: userID, PublicKey: publicKey})
	if err != nil {
		return &Error{Op: "upload-key", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/upload-key", bytes.NewReader(body))
	if err != nil {
		return &Error{Op: "upload-key", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: "upload-key", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Op: "upload-key", Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	var parsed uploadKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return &Error{Op: "upload-key", Err: errors.Wrap(err, "malformed response")}
	}
	if !parsed.Success {
		return &Error{Op: "upload-key", Err: errors.Errorf("server rejected key: %s", parsed.Message)}
	}

	jww.DEBUG.Printf("uploaded public key for user %s", userID)
	return nil
}

type fetchKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

// FetchKey looks up the public key registered for userID.
func (c *Client) FetchKey(ctx context.Context, userID string) (string, error) {
	endpoint := fmt.Sprintf("%s/chat/get-user-keys/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", &Error{Op: "get-user-keys", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Op: "get-user-keys", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &Error{Op: "get-user-keys", Status: resp.StatusCode, Err: ErrKeyNotFound}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Op: "get-user-keys", Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	var parsed fetchKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &Error{Op: "get-user-keys", Err: errors.Wrap(err, "malformed response")}
	}
	if parsed.PublicKey == "" {
		return "", &Error{Op: "get-user-keys", Err: ErrKeyNotFound}
	}
	return parsed.PublicKey, nil
}

// FetchHistory returns the encrypted history between userID and withUser.
func (c *Client) FetchHistory(ctx context.Context, userID, withUser string) ([]HistoryRecord, error) {
	endpoint := fmt.Sprintf("%s/chat/history?userId=%s&withUser=%s",
		c.baseURL, url.QueryEscape(userID), url.QueryEscape(withUser))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Op: "history", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: "history", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "history", Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	var records []HistoryRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, &Error{Op: "history", Err: errors.Wrap(err, "malformed response")}
	}

	jww.DEBUG.Printf("fetched %d history records for %s <-> %s", len(records), userID, withUser)
	return records, nil
}
