// Package comfy is the job client for a ComfyUI-style image backend: upload
// an input image, submit a job description and fetch the rendered outputs.
//
// The client holds no per-job state. Image names and job ids are passed
// explicitly between operations, so one client serves concurrent relays.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"imagerelay/internal/apperrors"
	"imagerelay/internal/storage"
	"imagerelay/pkg/circuitbreaker"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"
)

// Backend operations, used for metrics and error context.
const (
	OpUpload  = "upload"
	OpSubmit  = "submit"
	OpHistory = "history"
	OpView    = "view"
)

// ArtifactStore persists fetched outputs.
type ArtifactStore interface {
	Save(ctx context.Context, bucket storage.Bucket, name string, data []byte) (string, error)
}

// MetricsRecorder is an optional interface for recording backend calls.
type MetricsRecorder interface {
	RecordBackendCall(ctx context.Context, op string, success bool, durationSeconds float64)
}

// Artifact is one rendered output fetched from the backend.
type Artifact struct {
	Filename  string
	Subfolder string
	Type      string
	Data      []byte
	Location  string // where the bytes were persisted; empty if saving failed
}

// ImageRef identifies an output image on the backend.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []ImageRef `json:"images"`
	} `json:"outputs"`
}

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsClientError returns true for 4xx responses.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}

// Client talks to one backend instance.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	store   ArtifactStore
	metrics MetricsRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a backend client. breakers may be shared with readiness
// checks; a private registry is used when nil. store and metrics may be nil.
func NewClient(cfg Config, store ArtifactStore, breakers *circuitbreaker.Registry, metrics MetricsRecorder) *Client {
	cfg = cfg.withDefaults()
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(cfg.Breaker)
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: breakers.Get(cfg.BaseURL),
		store:   store,
		metrics: metrics,
		logger:  slog.With("component", "comfy", "baseUrl", cfg.BaseURL),
		now:     time.Now,
	}
}

// Upload preprocesses data and uploads it as a multipart form. It returns the
// name the backend stored the image under.
func (c *Client) Upload(ctx context.Context, data []byte) (string, error) {
	payload, err := Preprocess(data)
	if err != nil {
		c.logger.Warn("Preprocessing failed, uploading original bytes", "error", err)
		payload = data
	} else {
		c.logger.Debug("Image preprocessed", "originalBytes", len(data), "bytes", len(payload))
	}

	filename := fmt.Sprintf("image_%s.jpg", c.now().UTC().Format(time.RFC3339))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	header.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", apperrors.Upload("comfy.upload", err)
	}
	if _, err := part.Write(payload); err != nil {
		return "", apperrors.Upload("comfy.upload", err)
	}
	if err := mw.Close(); err != nil {
		return "", apperrors.Upload("comfy.upload", err)
	}

	respBody, err := c.do(ctx, OpUpload, http.MethodPost, "/upload/image", mw.FormDataContentType(), body.Bytes())
	if err != nil {
		return "", apperrors.Upload("comfy.upload", err)
	}

	var resp struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", apperrors.Upload("comfy.upload", fmt.Errorf("failed to decode response: %w", err))
	}
	if resp.Name == "" {
		return "", apperrors.Upload("comfy.upload", errors.New("response carries no image name"))
	}

	c.logger.Info("Image uploaded", "name", resp.Name, "bytes", len(payload))
	return resp.Name, nil
}

// Submit queues a job description and returns the backend job id. The image
// node must reference an uploaded image; otherwise nothing is sent.
func (c *Client) Submit(ctx context.Context, wf Workflow) (string, error) {
	image, _ := wf.Input(c.cfg.Workflow.Nodes.Image, "image").(string)
	if strings.TrimPrefix(image, c.cfg.Workflow.ImagePrefix) == "" {
		return "", apperrors.Validation("workflow", "no uploaded image referenced; upload an image first")
	}

	reqBody, err := json.Marshal(map[string]any{"prompt": wf})
	if err != nil {
		return "", apperrors.Submission("comfy.submit", fmt.Errorf("failed to marshal workflow: %w", err))
	}

	respBody, err := c.do(ctx, OpSubmit, http.MethodPost, "/prompt", "application/json", reqBody)
	if err != nil {
		return "", apperrors.Submission("comfy.submit", err)
	}

	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", apperrors.Submission("comfy.submit", fmt.Errorf("failed to decode response: %w", err))
	}
	if resp.PromptID == "" {
		return "", apperrors.Submission("comfy.submit", errors.New("response carries no prompt_id"))
	}

	c.logger.Info("Job submitted", "jobId", resp.PromptID)
	return resp.PromptID, nil
}

// FetchOutputs downloads every output image of a finished job, in ascending
// node id order. An unknown job yields an empty list. Images that fail to
// download are skipped; the rest are persisted and returned.
func (c *Client) FetchOutputs(ctx context.Context, jobID string) ([]Artifact, error) {
	logger := c.logger.With("jobId", jobID)

	respBody, err := c.do(ctx, OpHistory, http.MethodGet, "/history/"+url.PathEscape(jobID), "", nil)
	if err != nil {
		return nil, apperrors.Fetch("comfy.history", err)
	}

	var history map[string]historyEntry
	if err := json.Unmarshal(respBody, &history); err != nil {
		return nil, apperrors.Fetch("comfy.history", fmt.Errorf("failed to decode history: %w", err))
	}
	entry, ok := history[jobID]
	if !ok || len(entry.Outputs) == 0 {
		logger.Info("No outputs recorded for job")
		return []Artifact{}, nil
	}

	nodeIDs := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sortNodeIDs(nodeIDs)

	artifacts := []Artifact{}
	for _, nodeID := range nodeIDs {
		for _, ref := range entry.Outputs[nodeID].Images {
			data, err := c.view(ctx, ref)
			if err != nil {
				logger.Warn("Failed to fetch output image, skipping", "node", nodeID, "filename", ref.Filename, "error", err)
				continue
			}

			art := Artifact{Filename: ref.Filename, Subfolder: ref.Subfolder, Type: ref.Type, Data: data}
			if c.store != nil {
				name := jobID + "_" + path.Base(ref.Filename)
				loc, err := c.store.Save(ctx, storage.Outputs, name, data)
				if err != nil {
					logger.Error("Failed to persist output image", "filename", ref.Filename, "error", apperrors.Storage("comfy.persist", err))
				} else {
					art.Location = loc
				}
			}
			artifacts = append(artifacts, art)
		}
	}

	logger.Info("Fetched outputs", "count", len(artifacts))
	return artifacts, nil
}

func (c *Client) view(ctx context.Context, ref ImageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)
	return c.do(ctx, OpView, http.MethodGet, "/view?"+q.Encode(), "", nil)
}

// Ready checks that the backend answers its stats endpoint.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/system_stats", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	if c.breaker.State() == circuitbreaker.Open {
		return fmt.Errorf("backend %s: %w", c.cfg.BaseURL, circuitbreaker.ErrOpen)
	}
	return nil
}

// do performs one request through the breaker and returns the response body.
// Client errors (4xx) and caller cancellation do not count against the
// breaker.
func (c *Client) do(ctx context.Context, op, method, uri, contentType string, body []byte) ([]byte, error) {
	start := time.Now()

	var respBody []byte
	err := c.breaker.Do(func() error {
		var reader io.Reader = http.NoBody
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+uri, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &HTTPError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), 512)}
		}
		respBody = data
		return nil
	}, func(err error) bool {
		return !IsClientError(err) && ctx.Err() == nil
	})

	if c.metrics != nil {
		c.metrics.RecordBackendCall(ctx, op, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, strings.SplitN(uri, "?", 2)[0], err)
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
