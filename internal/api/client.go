// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package api is the HTTP client side of the upgrade: appliance
// registration against the management endpoint, authentication token
// retrieval, the Manager's authenticated config-property endpoint and
// the instance-to-instance migration trigger. The appliance serves
// self-signed certificates, so hostname verification is skipped.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jujuhttp "github.com/juju/http/v2"
	"github.com/juju/loggo"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("applianceupgrade.api")

// Transport performs an HTTP request. Satisfied by *http.Client and
// by jujuhttp.Client; tests substitute their own.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// DefaultTransport returns the production transport.
func DefaultTransport() Transport {
	return jujuhttp.NewClient(
		jujuhttp.WithSkipHostnameVerification(true),
		jujuhttp.WithLogger(logger.Child("transport")),
	)
}

// Client talks to the Manager service and the management endpoint.
type Client struct {
	transport Transport
	clock     clock.Clock
}

// NewClient returns a Client over the given transport; nil arguments
// select production defaults.
func NewClient(transport Transport, clk clock.Clock) *Client {
	if transport == nil {
		transport = DefaultTransport()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Client{transport: transport, clock: clk}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "%s %s", req.Method, req.URL)
	}
	return resp, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Login authenticates against the Manager instance at endpoint and
// returns the session's bearer token.
func (c *Client) Login(ctx context.Context, endpoint, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/core/authn/basic", bytes.NewReader(body))
	if err != nil {
		return "", errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer discard(resp)
	if resp.StatusCode != http.StatusOK {
		return "", errors.Unauthorizedf("login to %s rejected (HTTP %d)", endpoint, resp.StatusCode)
	}
	token := resp.Header.Get("X-Auth-Token")
	if token == "" {
		return "", errors.Errorf("login to %s returned no auth token", endpoint)
	}
	return token, nil
}

// RegistrationParams is the body of the appliance-registration call.
type RegistrationParams struct {
	Target      string `json:"target"`
	User        string `json:"user"`
	Password    string `json:"password"`
	ExternalPSC string `json:"externalpsc,omitempty"`
	PSCDomain   string `json:"pscdomain,omitempty"`
}

// RegisterAppliance registers the appliance against the management
// endpoint. Anything but HTTP 200 is fatal to the upgrade.
func (c *Client) RegisterAppliance(ctx context.Context, endpoint string, params RegistrationParams) error {
	body, err := json.Marshal(params)
	if err != nil {
		return errors.Trace(err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/register", bytes.NewReader(body))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer discard(resp)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("appliance registration at %s failed (HTTP %d)", endpoint, resp.StatusCode)
	}
	logger.Infof("appliance registered with %s", endpoint)
	return nil
}

// SetConfigProperty PUTs a single configuration property on a running
// Manager instance.
func (c *Client) SetConfigProperty(ctx context.Context, endpoint, token, key, value string) error {
	body, err := json.Marshal(map[string]string{"key": key, "value": value})
	if err != nil {
		return errors.Trace(err)
	}
	req, err := http.NewRequestWithContext(ctx, "PUT", endpoint+"/config/props/"+key, bytes.NewReader(body))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer discard(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("setting property %q on %s failed (HTTP %d)", key, endpoint, resp.StatusCode)
	}
	logger.Infof("property %q set on %s", key, endpoint)
	return nil
}

// MigrateInstance asks the Manager instance at target to pull its
// state from the instance at source. The call blocks until the
// instance reports completion or failure; there is no client-side
// timeout beyond ctx.
func (c *Client) MigrateInstance(ctx context.Context, target, source, token string) error {
	body, err := json.Marshal(map[string]string{"sourceAddress": source})
	if err != nil {
		return errors.Trace(err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", target+"/config/migration", bytes.NewReader(body))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer discard(resp)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("instance migration from %s to %s failed (HTTP %d)", source, target, resp.StatusCode)
	}
	return nil
}

// WaitReachable polls endpoint until it answers any HTTP status, or
// the attempts are exhausted. Used to confirm an instance is up
// immediately before depending on it.
func (c *Client) WaitReachable(ctx context.Context, endpoint string, attempts int) error {
	err := retry.Call(retry.CallArgs{
		Clock:    c.clock,
		Delay:    2 * time.Second,
		Attempts: attempts,
		Func: func() error {
			req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
			if err != nil {
				return errors.Trace(err)
			}
			resp, err := c.transport.Do(req)
			if err != nil {
				return errors.Trace(err)
			}
			discard(resp)
			return nil
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("waiting for %s (attempt %d): %v", endpoint, attempt, lastError)
		},
	})
	return errors.Annotatef(err, "endpoint %s not reachable", endpoint)
}
