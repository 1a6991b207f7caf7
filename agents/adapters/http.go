package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"uaef.dev/agents"
)

const defaultHTTPTimeout = 60 * time.Second

func init() {
	Register(agents.PlatformCustom, func(config map[string]interface{}) (Adapter, error) {
		adapter := NewHTTPAdapter()
		if apiKey, ok := config["api_key"].(string); ok {
			adapter.apiKey = apiKey
		}
		if seconds, ok := config["timeout_seconds"].(float64); ok && seconds > 0 {
			adapter.client.Timeout = time.Duration(seconds) * time.Second
		}
		return adapter, nil
	})
}

// HTTPAdapter invokes agents exposed over a generic REST endpoint. The
// endpoint is expected to serve POST /invoke, GET /agents/{id}, and
// GET /health.
type HTTPAdapter struct {
	client *http.Client
	apiKey string
}

// NewHTTPAdapter builds an HTTPAdapter with the default timeout.
func NewHTTPAdapter() *HTTPAdapter {
	return &HTTPAdapter{
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (a *HTTPAdapter) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	return req, nil
}

// Invoke posts the input to the agent's /invoke endpoint and normalizes the
// JSON response.
func (a *HTTPAdapter) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.EndpointURL == "" {
		return nil, &InvocationError{Platform: agents.PlatformCustom, AgentID: req.AgentID, Err: fmt.Errorf("endpoint url is required")}
	}

	body, err := json.Marshal(map[string]interface{}{
		"agent_id": req.AgentID,
		"prompt":   req.Prompt,
		"input":    req.Input,
		"context":  req.Context,
	})
	if err != nil {
		return nil, &InvocationError{Platform: agents.PlatformCustom, AgentID: req.AgentID, Err: err}
	}

	httpReq, err := a.newRequest(ctx, http.MethodPost, joinURL(req.EndpointURL, "/invoke"), bytes.NewReader(body))
	if err != nil {
		return nil, &InvocationError{Platform: agents.PlatformCustom, AgentID: req.AgentID, Err: err}
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &InvocationError{Platform: agents.PlatformCustom, AgentID: req.AgentID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &InvocationError{
			Platform: agents.PlatformCustom,
			AgentID:  req.AgentID,
			Err:      fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))),
		}
	}

	var output map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return nil, &InvocationError{Platform: agents.PlatformCustom, AgentID: req.AgentID, Err: err}
	}

	response := &Response{Output: output}
	if content, ok := output["content"].(string); ok {
		response.Content = content
	}
	if model, ok := output["model"].(string); ok {
		response.Model = model
	}
	return response, nil
}

// Validate checks that the endpoint knows the agent.
func (a *HTTPAdapter) Validate(ctx context.Context, agentID, endpointURL string) error {
	if endpointURL == "" {
		return &ValidationError{Platform: agents.PlatformCustom, AgentID: agentID, Err: fmt.Errorf("endpoint url is required")}
	}
	httpReq, err := a.newRequest(ctx, http.MethodGet, joinURL(endpointURL, "/agents/"+agentID), nil)
	if err != nil {
		return &ValidationError{Platform: agents.PlatformCustom, AgentID: agentID, Err: err}
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return &ValidationError{Platform: agents.PlatformCustom, AgentID: agentID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ValidationError{Platform: agents.PlatformCustom, AgentID: agentID, Err: fmt.Errorf("endpoint returned %d", resp.StatusCode)}
	}
	return nil
}

// Metadata fetches the agent's descriptor from the endpoint.
func (a *HTTPAdapter) Metadata(ctx context.Context, agentID, endpointURL string) (map[string]interface{}, error) {
	httpReq, err := a.newRequest(ctx, http.MethodGet, joinURL(endpointURL, "/agents/"+agentID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return map[string]interface{}{}, nil
	}
	var metadata map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// HealthCheck has no fixed endpoint to probe without an agent, so it only
// confirms the client is usable.
func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	return nil
}

// CheckEndpoint probes an endpoint's /health route.
func (a *HTTPAdapter) CheckEndpoint(ctx context.Context, endpointURL string) error {
	httpReq, err := a.newRequest(ctx, http.MethodGet, joinURL(endpointURL, "/health"), nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
