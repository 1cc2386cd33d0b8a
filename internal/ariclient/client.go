// Package ariclient is a REST client for the call-control collaborator's
// channel/bridge/playback/external-media surface (spec.md §6, concretized
// to an Asterisk REST Interface per SPEC_FULL.md).
package ariclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxmediator/ari-mediator/internal/mediatorerr"
)

// Client talks to the call-control REST surface over basic auth.
type Client struct {
	baseURL    string
	username   string
	password   string
	appName    string
	httpClient *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	AppName    string
	HTTPClient *http.Client
}

// New builds a Client. BaseURL, Username and Password are required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, mediatorerr.New(mediatorerr.KindConfig, "ariclient.New",
			fmt.Errorf("base URL, username and password are all required"))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		appName:    cfg.AppName,
		httpClient: httpClient,
	}, nil
}

// EventsURL returns the WebSocket URL for the events stream, for
// internal/arievents to dial.
func (c *Client) EventsURL() string {
	u := strings.Replace(c.baseURL, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	v := url.Values{}
	v.Set("app", c.appName)
	v.Set("api_key", c.username+":"+c.password)
	v.Set("subscribeAll", "true")
	return fmt.Sprintf("%s/events?%s", u, v.Encode())
}

// Answer answers the channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/answer", channelID), nil, nil)
}

// Hangup terminates the channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/channels/%s", channelID), nil, nil)
}

// ContinueInDialplan releases the channel from the Stasis application back
// to the dialplan.
func (c *Client) ContinueInDialplan(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/continue", channelID), nil, nil)
}

type variableResponse struct {
	Value string `json:"value"`
}

// GetVariable reads a single channel variable.
func (c *Client) GetVariable(ctx context.Context, channelID, name string) (string, error) {
	path := fmt.Sprintf("/channels/%s/variable?%s", channelID, url.Values{"variable": {name}}.Encode())
	var resp variableResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

// GetVariablesAllowList reads the channel's script variables restricted to
// allowList, per spec.md §4.7 step 1. The call-control REST surface has no
// multi-variable read, so this issues one GetVariable per name; a missing
// variable (404) is omitted from the result rather than treated as an
// error.
func (c *Client) GetVariablesAllowList(ctx context.Context, channelID string, allowList []string) (map[string]string, error) {
	out := make(map[string]string, len(allowList))
	for _, name := range allowList {
		v, err := c.GetVariable(ctx, channelID, name)
		if err != nil {
			var ariErr *APIError
			if asAPIError(err, &ariErr) && ariErr.StatusCode == http.StatusNotFound {
				continue
			}
			return nil, err
		}
		if v != "" {
			out[name] = v
		}
	}
	return out, nil
}

// SetVariable writes a channel variable.
func (c *Client) SetVariable(ctx context.Context, channelID, name, value string) error {
	body := map[string]string{"variable": name, "value": value}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/variable", channelID), body, nil)
}

// SetTalkDetect arms TALK_DETECT(set) with the positional
// "<silence_ms>,<speech_bytes>" format resolved in SPEC_FULL.md (Open
// Question c).
func (c *Client) SetTalkDetect(ctx context.Context, channelID string, silenceMs, speechThreshold int) error {
	return c.SetVariable(ctx, channelID, "TALK_DETECT(set)", fmt.Sprintf("%d,%d", silenceMs, speechThreshold))
}

// Bridge is the bridge resource returned by bridge creation.
type Bridge struct {
	ID   string `json:"id"`
	Type string `json:"bridge_type"`
}

// CreateBridge creates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context, bridgeType string) (*Bridge, error) {
	body := map[string]string{"type": bridgeType}
	var b Bridge
	if err := c.do(ctx, http.MethodPost, "/bridges", body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AddChannel adds a channel to a bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	body := map[string]string{"channel": channelID}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/bridges/%s/addChannel", bridgeID), body, nil)
}

// RemoveChannel removes a channel from a bridge.
func (c *Client) RemoveChannel(ctx context.Context, bridgeID, channelID string) error {
	body := map[string]string{"channel": channelID}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/bridges/%s/removeChannel", bridgeID), body, nil)
}

// DestroyBridge tears down a bridge.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/bridges/%s", bridgeID), nil, nil)
}

// Channel is a channel resource, returned by snoop/external-media creation.
type Channel struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// SnoopChannel opens a one-directional snoop channel on channelID, spying
// on inbound audio ("spy=in") into the named Stasis app. appArgs is
// passed through as the new channel's StasisStart args (the orchestrator
// marks its own snoop/external-media channels "internal" this way).
func (c *Client) SnoopChannel(ctx context.Context, channelID, app, spy, appArgs string) (*Channel, error) {
	v := url.Values{}
	v.Set("spy", spy)
	v.Set("app", app)
	if appArgs != "" {
		v.Set("appArgs", appArgs)
	}
	var ch Channel
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/snoop?%s", channelID, v.Encode()), nil, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ExternalMediaParams configure the external UDP media channel.
type ExternalMediaParams struct {
	App          string
	AppArgs      string // passed through as StasisStart args, e.g. "internal"
	ExternalHost string // host:port the collaborator sends RTP to
	Format       string // e.g. "ulaw"
	Direction    string // e.g. "both"
}

// CreateExternalMedia opens a channel bridging to an external UDP media
// address, used as the RTP source/sink for the call's audio.
func (c *Client) CreateExternalMedia(ctx context.Context, p ExternalMediaParams) (*Channel, error) {
	body := map[string]string{
		"app":             p.App,
		"appArgs":         p.AppArgs,
		"external_host":   p.ExternalHost,
		"format":          p.Format,
		"transport":       "udp",
		"connection_type": "client",
		"direction":       p.Direction,
	}
	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", body, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Playback is a playback resource; its ID is used to stop it.
type Playback struct {
	ID string `json:"id"`
}

// Play starts playing mediaURI (e.g. "sound:" or sound-file URI) on
// channelID and returns the playback handle.
func (c *Client) Play(ctx context.Context, channelID, mediaURI string) (*Playback, error) {
	body := map[string]string{"media": mediaURI}
	var pb Playback
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/play", channelID), body, &pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// PlayOnBridge starts playing mediaURI on every channel in bridgeID and
// returns the playback handle, used for prompt audio (spec.md §4.7 step
// 8: "enqueue a playback operation on the user bridge").
func (c *Client) PlayOnBridge(ctx context.Context, bridgeID, mediaURI string) (*Playback, error) {
	body := map[string]string{"media": mediaURI}
	var pb Playback
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/bridges/%s/play", bridgeID), body, &pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// StopPlayback halts an in-progress playback (barge-in).
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	v := url.Values{}
	v.Set("operation", "stop")
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/playbacks/%s/control?%s", playbackID, v.Encode()), nil, nil)
}

// APIError is a typed call-control REST error, carrying the HTTP status.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ariclient: %d: %s", e.StatusCode, e.Message)
}

func asAPIError(err error, target **APIError) bool {
	if err == nil {
		return false
	}
	me, ok := err.(*mediatorerr.Error)
	if !ok {
		return false
	}
	ae, ok := me.Err.(*APIError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return mediatorerr.New(mediatorerr.KindSwitchIO, path, err)
		}
		reader = strings.NewReader(string(buf))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return mediatorerr.New(mediatorerr.KindSwitchIO, path, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return mediatorerr.New(mediatorerr.KindSwitchIO, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return mediatorerr.New(mediatorerr.KindSwitchIO, path, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return mediatorerr.New(mediatorerr.KindSwitchIO, path, apiErr)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return mediatorerr.New(mediatorerr.KindSwitchIO, path, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
