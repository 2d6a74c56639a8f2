package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// problem is the error document of the API.
type problem struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Error returns the title and detail of the problem.
func (p *problem) Error() string {
	if p.Detail == "" {
		return fmt.Sprintf("%s (%d)", p.Title, p.Status)
	}

	return fmt.Sprintf("%s (%d): %s", p.Title, p.Status, p.Detail)
}

// apiClient calls the HTTP API of a node.
type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// do sends a request with the JSON encoded body, if any, and returns the
// raw response body. Responses with an error status are returned as a
// *problem.
func (c *apiClient) do(ctx context.Context, method, path string,
	body any) (json.RawMessage, error) {

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.baseURL+"/api"+path, reqBody,
	)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to reach node: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		p := &problem{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, p); err != nil ||
			p.Title == "" {

			p.Title = http.StatusText(resp.StatusCode)
			p.Detail = strings.TrimSpace(string(respBody))
		}

		return nil, p
	}

	return respBody, nil
}

// printJSON writes resp indented to w.
func printJSON(w io.Writer, resp json.RawMessage) error {
	if len(resp) == 0 {
		return nil
	}

	var out bytes.Buffer
	if err := json.Indent(&out, resp, "", "    "); err != nil {
		return err
	}
	out.WriteByte('\n')

	_, err := out.WriteTo(w)
	return err
}
