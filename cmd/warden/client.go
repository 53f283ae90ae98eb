// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// defaultHTTPClient is the package-level HTTP client used by core commands.
// Overridden in tests via httptest.
var defaultHTTPClient = &http.Client{
	Timeout: 5 * time.Second,
}

// coreClient provides HTTP access to a running Warden core.
type coreClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newCoreClient creates a client targeting the given host:port address.
// token may be empty when the core runs in local mode.
func newCoreClient(addr, token string) *coreClient {
	return &coreClient{
		baseURL: "http://" + addr,
		token:   token,
		http:    defaultHTTPClient,
	}
}

// clientFromFlags builds a client from the command's --address flag and the
// resolved token (flag or WARDEN_TOKEN).
func clientFromFlags(cmd *cobra.Command) *coreClient {
	addr, _ := cmd.Root().PersistentFlags().GetString("address")
	return newCoreClient(addr, viper.GetString("token"))
}

// getJSON performs a GET request and decodes the JSON response into dest.
func (c *coreClient) getJSON(path string, dest interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeCLIRequestFailure, "building request")
	}
	return c.do(req, dest)
}

// postJSON performs a POST request with a JSON body and decodes the JSON
// response into dest. dest may be nil when the response body is irrelevant.
func (c *coreClient) postJSON(path string, body, dest interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeCLIRequestFailure, "encoding request body")
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeCLIRequestFailure, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dest)
}

func (c *coreClient) do(req *http.Request, dest interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return wardenerr.New(wardenerr.CodeCLICoreNotRunning, "core is not running (connection refused)")
		}
		return wardenerr.Errorf(wardenerr.CodeCLIRequestFailure, "request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return wardenerr.Errorf(wardenerr.CodeCLIRequestFailure,
			"core returned status %d: %s", resp.StatusCode, string(body))
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return wardenerr.Errorf(wardenerr.CodeCLIResponseInvalid, "invalid response: %w", err)
	}
	return nil
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// notRunningMessage prints the standard unreachable-core hint.
func notRunningMessage(addr string) string {
	return fmt.Sprintf("Core at %s is not running (run 'warden start')", addr)
}
