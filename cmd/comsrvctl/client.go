package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// apiClient is a thin net/http wrapper over comsrvd's operator API; there is
// no generated client in the pack to build on, so this follows plain
// net/http conventions rather than importing a REST client library the
// examples never use.
type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{base: apiAddr, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (c *apiClient) do(method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, out, nil
}

// decode issues the request and unmarshals a 2xx response body into v,
// returning the server's {"error": ...} message on failure.
func (c *apiClient) decode(method, path string, body any, v any) error {
	status, raw, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("comsrvd: %s (status %d)", apiErr.Error, status)
		}
		return fmt.Errorf("comsrvd: unexpected status %d: %s", status, string(raw))
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(b))
}
