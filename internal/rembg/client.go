package rembg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const removePath = "/api/remove"

// RemovalError wraps any failure of the external model call.
type RemovalError struct {
	StatusCode int
	Err        error
}

func (e *RemovalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("background removal: model returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("background removal: %v", e.Err)
}

func (e *RemovalError) Unwrap() error { return e.Err }

// Client talks to a rembg inference server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client for the inference server at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("rembg"),
	}
}

// Remove uploads the image as multipart form data and returns the transparent
// PNG the model produces. A single attempt; any failure is a RemovalError.
func (c *Client) Remove(ctx context.Context, imageBytes []byte) (*Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, &RemovalError{Err: fmt.Errorf("create form file: %w", err)}
	}
	if _, err := part.Write(imageBytes); err != nil {
		return nil, &RemovalError{Err: fmt.Errorf("write form file: %w", err)}
	}
	if err := writer.Close(); err != nil {
		return nil, &RemovalError{Err: fmt.Errorf("close form writer: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+removePath, body)
	if err != nil {
		return nil, &RemovalError{Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("model call failed", zap.Error(err))
		return nil, &RemovalError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("model returned error status", zap.Int("status", resp.StatusCode))
		return nil, &RemovalError{StatusCode: resp.StatusCode}
	}

	cutout, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemovalError{Err: fmt.Errorf("read model response: %w", err)}
	}

	c.logger.Info("background removed",
		zap.Int("input_bytes", len(imageBytes)),
		zap.Int("output_bytes", len(cutout)),
		zap.Duration("elapsed", time.Since(start)))

	return &Result{PNG: cutout}, nil
}
