// Command voice-lambda relays voice agent tool calls from API Gateway to the
// dispatch API. When the API cannot be reached, tool calls still get a
// speakable fallback envelope so the agent never goes silent mid-call.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/dispatch-engine/internal/dispatch"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

type config struct {
	upstreamBaseURL string
	upstreamTimeout time.Duration
	agentToken      string
}

func loadConfig() (config, error) {
	baseURL := strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL"))
	if baseURL == "" {
		return config{}, errors.New("UPSTREAM_BASE_URL is required")
	}

	// Voice agents abandon tool calls after a few seconds.
	timeout := 4 * time.Second
	if raw := strings.TrimSpace(os.Getenv("UPSTREAM_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %w", err)
		}
		timeout = parsed
	}

	return config{
		upstreamBaseURL: strings.TrimRight(baseURL, "/"),
		upstreamTimeout: timeout,
		agentToken:      strings.TrimSpace(os.Getenv("AGENT_STATIC_TOKEN")),
	}, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	logger := logging.New(os.Getenv("LOG_LEVEL"))
	client := &http.Client{Timeout: cfg.upstreamTimeout}
	lambda.Start(func(ctx context.Context, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		return handle(ctx, cfg, client, logger, evt)
	})
}

// toolPaths lists the routes the relay forwards. Tool routes answer with a
// fallback envelope on upstream failure; assess reports the failure.
var toolPaths = map[string]bool{
	"/v1/tools/availability": true,
	"/v1/tools/book":         true,
	"/v1/tools/cancel":       true,
	"/v1/tools/status":       true,
	"/v1/calls/assess":       false,
}

func handle(ctx context.Context, cfg config, client *http.Client, logger *logging.Logger, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(evt.RequestContext.HTTP.Method))
	path := strings.TrimSpace(evt.RawPath)
	if path == "" {
		path = strings.TrimSpace(evt.RequestContext.HTTP.Path)
	}

	if path == "/health" || path == "/_health" {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusOK, Body: "ok"}, nil
	}

	if method != http.MethodPost {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusMethodNotAllowed}, nil
	}

	isTool, known := toolPaths[path]
	if !known {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusNotFound}, nil
	}

	body, err := decodeBody(evt)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadRequest, Body: "invalid body"}, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.upstreamBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusInternalServerError}, nil
	}
	req.Header.Set("Content-Type", "application/json")

	// A caller-supplied bearer token wins; otherwise the relay's own token
	// authenticates the agent.
	if auth := headerValue(evt.Headers, "authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	} else if cfg.agentToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.agentToken)
	}
	copyHeader(req.Header, evt.Headers, "x-request-id")

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("voice relay: upstream unreachable", "path", path, "error", err)
		return failure(isTool, http.StatusBadGateway), nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		logger.Warn("voice relay: upstream error", "path", path, "status", resp.StatusCode)
		return failure(isTool, resp.StatusCode), nil
	}

	out := events.APIGatewayV2HTTPResponse{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Headers:    map[string]string{},
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		out.Headers["content-type"] = ct
	}
	return out, nil
}

func failure(isTool bool, status int) events.APIGatewayV2HTTPResponse {
	if !isTool {
		return events.APIGatewayV2HTTPResponse{StatusCode: status, Body: "upstream error"}
	}
	body, _ := json.Marshal(dispatch.Fallback())
	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
		Headers:    map[string]string{"content-type": "application/json"},
	}
}

func decodeBody(evt events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if !evt.IsBase64Encoded {
		return []byte(evt.Body), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(evt.Body)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func copyHeader(dst http.Header, src map[string]string, header string) {
	if value := strings.TrimSpace(headerValue(src, header)); value != "" {
		dst.Set(header, value)
	}
}
