package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"treemapdb/pkg/service"
	"treemapdb/pkg/types"
)

const contentTypeBinary = "application/octet-stream"

// HTTPPartition реализует Partition поверх HTTP API удалённой ноды
type HTTPPartition struct {
	id      types.PartitionID
	baseURL string
	// unary calls are bounded by a timeout, streams live as long as their ctx
	httpClient   *http.Client
	streamClient *http.Client
}

// NewHTTPPartition создает клиент партиции, размещённой на ноде baseURL
func NewHTTPPartition(id types.PartitionID, baseURL string, timeout time.Duration) *HTTPPartition {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPartition{
		id:           id,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

func (c *HTTPPartition) ID() types.PartitionID {
	return c.id
}

func (c *HTTPPartition) BaseURL() string {
	return c.baseURL
}

func (c *HTTPPartition) operationURL(op service.OperationID, suffix ...string) (string, error) {
	elems := append([]string{"api", "partitions", url.PathEscape(string(c.id)), "operations", url.PathEscape(op.Name)}, suffix...)
	return url.JoinPath(c.baseURL, elems...)
}

func (c *HTTPPartition) Execute(ctx context.Context, op service.OperationID, payload []byte) ([]byte, error) {
	target, err := c.operationURL(op)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeBinary)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute POST request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readRemoteError(resp, op)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func (c *HTTPPartition) ExecuteStream(ctx context.Context, op service.OperationID, payload []byte, h service.StreamHandler[[]byte]) error {
	guarded := service.Guard(h)
	target, err := c.operationURL(op, "stream")
	if err != nil {
		guarded.Error(err)
		return fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		guarded.Error(err)
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeBinary)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		err = fmt.Errorf("execute POST request: %w", err)
		guarded.Error(err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		err = readRemoteError(resp, op)
		resp.Body.Close()
		guarded.Error(err)
		return err
	}

	// сервер шлёт FrameReady, когда подписка на партиции уже создана
	ended, err := service.AwaitReady(resp.Body, guarded)
	if ended {
		resp.Body.Close()
		return err
	}
	go func() {
		defer resp.Body.Close()
		_ = service.PumpFrames(resp.Body, guarded)
	}()
	return nil
}

// errorBody mirrors the JSON error response of the HTTP transport.
type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Cause  string `json:"cause"`
}

func readRemoteError(resp *http.Response, op service.OperationID) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Kind == "" {
		return fmt.Errorf("%s failed with status %d: %s", op.Name, resp.StatusCode, string(raw))
	}
	return service.RebuildError(body.Kind, body.Cause, op.Name, body.Error)
}
