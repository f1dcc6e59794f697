package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// CLI holds the client configuration
type CLI struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Out     io.Writer
}

func (c *CLI) get(path string) ([]byte, error) {
	return c.request(http.MethodGet, path, nil)
}

func (c *CLI) post(path string, body any) ([]byte, error) {
	return c.request(http.MethodPost, path, body)
}

func (c *CLI) put(path string, body any) ([]byte, error) {
	return c.request(http.MethodPut, path, body)
}

func (c *CLI) delete(path string) ([]byte, error) {
	return c.request(http.MethodDelete, path, nil)
}

func (c *CLI) request(method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(c.BaseURL, "/")+path, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, nil
}

func (c *CLI) prettyPrint(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		fmt.Fprintln(c.Out, "OK")
		return nil
	}
	var obj any
	if err := json.Unmarshal(data, &obj); err != nil {
		fmt.Fprintln(c.Out, string(data))
		return nil
	}
	out, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.Out, string(out))
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
