package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

// client is a thin JSON client for the meridian server API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient() *client {
	base := strings.TrimRight(viper.GetString("server"), "/")
	return &client{
		baseURL: base,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) registerWorkflow(ctx context.Context, def *workflow.Definition) (id string, version int, err error) {
	var out struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/workflows", def, &out); err != nil {
		return "", 0, err
	}
	return out.ID, out.Version, nil
}

func (c *client) listWorkflows(ctx context.Context, category string) ([]workflow.Summary, error) {
	path := "/api/v1/workflows"
	if category != "" {
		path += "?category=" + category
	}
	var out struct {
		Workflows []workflow.Summary `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

func (c *client) startExecution(ctx context.Context, body interface{}) (string, error) {
	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/executions", body, &out); err != nil {
		return "", err
	}
	return out.ExecutionID, nil
}

func (c *client) getExecution(ctx context.Context, executionID string) (*api.ExecutionStatus, error) {
	var out api.ExecutionStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+executionID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) listExecutions(ctx context.Context, query map[string]string) ([]api.ExecutionStatus, error) {
	path := "/api/v1/executions"
	sep := "?"
	for k, v := range query {
		if v == "" {
			continue
		}
		path += sep + k + "=" + v
		sep = "&"
	}
	var out struct {
		Executions []api.ExecutionStatus `json:"executions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

func (c *client) provideStepInput(ctx context.Context, executionID, stepID string, data map[string]interface{}) error {
	body := map[string]interface{}{
		"input": map[string]interface{}{"data": data},
	}
	path := "/api/v1/executions/" + executionID + "/steps/" + stepID + "/input"
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *client) control(ctx context.Context, executionID, verb string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/executions/"+executionID+"/"+verb, nil, nil)
}

func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr api.Error
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("server returned %s", strconv.Itoa(resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
