// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package localapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/status"
)

// baseURL is a placeholder host; every request goes to the socket.
const baseURL = "http://mysql-agent"

// ErrAgentUnreachable is returned when no agent accepts connections on
// the socket, eg one left behind by an agent that crashed.
const ErrAgentUnreachable = errors.ConstError("agent unreachable")

// Client talks to the local API over a unix socket.
type Client struct {
	http *http.Client
}

// NewClient returns a Client for the agent listening on socketPath.
func NewClient(socketPath string) *Client {
	var dialer net.Dialer
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Dispatch relays ev to the agent and waits for it to be handled.
func (c *Client) Dispatch(ctx context.Context, ev event.Event) error {
	body := EventRequest{
		Kind:       string(ev.Kind),
		RemoteUnit: ev.RemoteUnit,
		Payload:    ev.Payload,
	}
	return errors.Trace(c.call(ctx, http.MethodPost, "/events", body, nil))
}

// RunAction runs the named action in the agent.
func (c *Client) RunAction(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = make(map[string]any)
	}
	var resp ActionResponse
	if err := c.call(ctx, http.MethodPost, "/actions/"+url.PathEscape(name), params, &resp); err != nil {
		return nil, errors.Trace(err)
	}
	return resp.Results, nil
}

// Status returns the last status the agent computed for the unit.
func (c *Client) Status(ctx context.Context) (status.StatusInfo, error) {
	var resp StatusResponse
	if err := c.call(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return status.StatusInfo{}, errors.Trace(err)
	}
	return status.StatusInfo{
		Status:  status.Status(resp.Status),
		Message: resp.Message,
		Since:   resp.Since,
	}, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Trace(err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return errors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return errors.WithType(errors.Annotate(err, "contacting agent"), ErrAgentUnreachable)
	} else if err != nil {
		return errors.Annotate(err, "contacting agent")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var failure ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil {
			return errors.Errorf("agent returned %s", resp.Status)
		}
		return restoreError(failure)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Annotate(json.NewDecoder(resp.Body).Decode(out), "decoding agent response")
}
