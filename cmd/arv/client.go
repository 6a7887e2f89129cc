package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// exit codes: 0 success, 1 client error, 2 server error, 3 unauthenticated,
// 4 conflict.
const (
	exitOK       = 0
	exitClient   = 1
	exitServer   = 2
	exitAuth     = 3
	exitConflict = 4
)

// client is the thin REST client behind every arv verb.
type client struct {
	base    string
	key     string
	model   string
	session string
	http    *http.Client
}

func newClient() *client {
	base := os.Getenv("ARV_BASE")
	if base == "" {
		base = "http://localhost:3000"
	}
	return &client{
		base:    strings.TrimRight(base, "/"),
		key:     os.Getenv("ARV_KEY"),
		model:   os.Getenv("ARV_MODEL"),
		session: os.Getenv("ARV_SESSION"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// exitError carries the process exit code for a failed call.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func codeForStatus(status int) int {
	switch {
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return exitAuth
	case status == http.StatusConflict:
		return exitConflict
	case status >= 500:
		return exitServer
	default:
		return exitClient
	}
}

// do performs one JSON request and prints the response body.
func (c *client) do(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &exitError{exitClient, err.Error()}
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return &exitError{exitClient, err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-Agent-Key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &exitError{exitServer, err.Error()}
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	text := strings.TrimSpace(string(out))
	if resp.StatusCode >= 400 {
		return &exitError{codeForStatus(resp.StatusCode), text}
	}
	if text != "" {
		fmt.Println(text)
	}
	return nil
}

// requireSession resolves the target session from flag or environment.
func (c *client) requireSession(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if c.session != "" {
		return c.session, nil
	}
	return "", &exitError{exitClient, "session is required (set ARV_SESSION or pass --session)"}
}

// requireModel resolves the claimed model ID from flag or environment.
func (c *client) requireModel(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if c.model != "" {
		return c.model, nil
	}
	return "", &exitError{exitClient, "model is required (set ARV_MODEL or pass --model)"}
}
