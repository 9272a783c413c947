package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	ocrEndpoint        = "/recognize_text"
	transcribeEndpoint = "/transcribe_audio"

	proxyTimeout     = 30 * time.Second
	proxyResponseCap = 1 << 20
)

// ProxyOCREngine calls an external recognition service over HTTP.
type ProxyOCREngine struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewProxyOCREngine(baseURL, apiKey string) *ProxyOCREngine {
	return &ProxyOCREngine{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: proxyTimeout},
	}
}

func (e *ProxyOCREngine) Recognize(ctx context.Context, path string) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	if err := postFile(ctx, e.client, e.baseURL+ocrEndpoint, e.apiKey, path, &result); err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return result.Text, nil
}

// ProxyTranscriptionEngine calls an external speech-to-text service over
// HTTP, matching the /transcribe_audio multipart contract.
type ProxyTranscriptionEngine struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewProxyTranscriptionEngine(baseURL, apiKey string) *ProxyTranscriptionEngine {
	return &ProxyTranscriptionEngine{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: proxyTimeout},
	}
}

func (e *ProxyTranscriptionEngine) Transcribe(ctx context.Context, path string) (string, error) {
	var result struct {
		Transcript string `json:"transcript"`
	}
	if err := postFile(ctx, e.client, e.baseURL+transcribeEndpoint, e.apiKey, path, &result); err != nil {
		return "", fmt.Errorf("stt: %w", err)
	}
	return result.Transcript, nil
}

// postFile uploads the file as multipart/form-data field "file" and decodes
// the JSON response into out.
func postFile(ctx context.Context, client *http.Client, url, apiKey, path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, proxyResponseCap))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, respBody)
	}
	return json.Unmarshal(respBody, out)
}
