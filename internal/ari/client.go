// Package ari is a thin client for the subset of Asterisk's REST Interface
// (ARI) this bridge needs: bridge/channel/external-media lifecycle calls
// over REST, and the call's event stream over WebSocket.
package ari

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

// Client issues ARI REST requests with HTTP Basic auth.
type Client struct {
	baseURL    string // e.g. "http://127.0.0.1:8088/ari"
	user, pass string
	httpClient *http.Client
}

// NewClient returns a Client for the given ARI host (host:port, no scheme)
// with the given request timeout.
func NewClient(host, user, pass string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://%s/ari", host),
		user:       user,
		pass:       pass,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WSURL returns the ARI events WebSocket URL for the given Stasis app name.
func (c *Client) WSURL(appName string) string {
	u, _ := url.Parse(c.baseURL)
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ari/events?app=%s&api_key=%s:%s", scheme, u.Host, url.QueryEscape(appName), url.QueryEscape(c.user), url.QueryEscape(c.pass))
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ari: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("ari: new request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	// The acceptable outcomes are 200 OK, 201 Created and 204 No Content;
	// anything else is a permanent ARI error. (The reference implementation
	// this was distilled from checked "status != 200 and not 204" with
	// operator precedence that, in several call sites, evaluated as an
	// always-true condition; here a response is an error only when its
	// status matches none of the accepted codes, matching the corrected form
	// observed in comparable Go ARI clients in the example pack.)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("ari: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("ari: decode response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

// BridgeCreated is the response to CreateBridge.
type BridgeCreated struct {
	ID string `json:"id"`
}

// CreateBridge creates a mixing bridge and returns its id.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	var resp BridgeCreated
	if err := c.do(ctx, http.MethodPost, "/bridges", map[string]string{"type": "mixing"}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ChannelCreated is the response to CreateChannel.
type ChannelCreated struct {
	ID string `json:"id"`
}

// CreateChannel originates a channel to endpoint (e.g. "PJSIP/15555550100@trunk")
// in the given Stasis app, tagged with data (the call UUID) for correlation.
func (c *Client) CreateChannel(ctx context.Context, endpoint, appName, data string) (string, error) {
	var resp ChannelCreated
	req := map[string]string{
		"endpoint": endpoint,
		"app":      appName,
		"appArgs":  data,
	}
	if err := c.do(ctx, http.MethodPost, "/channels/create", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Dial starts ringing a channel previously created with CreateChannel.
func (c *Client) Dial(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/dial", url.PathEscape(channelID)), nil, nil)
}

// Play starts media playback on a channel (e.g. "sound:hello-world").
func (c *Client) Play(ctx context.Context, channelID, media string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/play?media=%s", url.PathEscape(channelID), url.QueryEscape(media)), nil, nil)
}

// Record starts recording a channel to name with the given format.
func (c *Client) Record(ctx context.Context, channelID, name, format string) error {
	path := fmt.Sprintf("/channels/%s/record?name=%s&format=%s", url.PathEscape(channelID), url.QueryEscape(name), url.QueryEscape(format))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Hangup terminates a channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/channels/%s", url.PathEscape(channelID)), nil, nil)
}

// AddChannelToBridge attaches channelID to bridgeID.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	path := fmt.Sprintf("/bridges/%s/addChannel?channel=%s", url.PathEscape(bridgeID), url.QueryEscape(channelID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// DeleteBridge destroys a bridge.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/bridges/%s", url.PathEscape(bridgeID)), nil, nil)
}

// ExternalMediaChannel is the response to CreateExternalMedia.
type ExternalMediaChannel struct {
	ID string `json:"id"`
}

// ExternalMediaParams configures the external-media channel ARI creates to
// push this call's audio to our AudioSocket listener.
type ExternalMediaParams struct {
	AppName       string
	ExternalHost  string // host:port of our AudioSocket listener
	Format        string // e.g. "alaw"
	Data          string // correlation id, becomes the AudioSocket IDENTIFY payload
}

// CreateExternalMedia creates an external-media channel streaming this
// call's audio over AudioSocket/TCP to p.ExternalHost.
func (c *Client) CreateExternalMedia(ctx context.Context, p ExternalMediaParams) (string, error) {
	var resp ExternalMediaChannel
	req := map[string]string{
		"app":           p.AppName,
		"external_host": p.ExternalHost,
		"format":        p.Format,
		"encapsulation": "audiosocket",
		"transport":     "tcp",
		"connection_type": "client",
		"direction":     "both",
		"data":          p.Data,
	}
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}
