package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"exporthub/pkg/api"
)

// ExportClient handles API calls to the exporthub controller.
type ExportClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewExportClient creates a new client with the given base URL.
func NewExportClient(baseURL string) *ExportClient {
	return &ExportClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *ExportClient) projectURL(projectID int64, format string, args ...interface{}) string {
	return fmt.Sprintf("%s/api/projects/%d", c.BaseURL, projectID) + fmt.Sprintf(format, args...)
}

// send performs the request and returns the response when its status is 2xx.
// Every request carries a fresh X-Request-Id so it can be found in the server logs.
func (c *ExportClient) send(method, endpoint string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("X-Request-Id", uuid.NewString())
	if body != nil {
		httpReq.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, newAPIError(resp.StatusCode, respBody)
	}
	return resp, nil
}

func newAPIError(status int, body []byte) *APIError {
	var payload api.ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &APIError{StatusCode: status, Message: payload.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// do sends a JSON request and decodes the JSON response into out, if any.
func (c *ExportClient) do(method, endpoint string, body, out interface{}) error {
	resp, err := c.send(method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Formats sends GET /api/projects/{id}/export/formats.
func (c *ExportClient) Formats(projectID int64) ([]api.Format, error) {
	var result []api.Format
	return result, c.do(http.MethodGet, c.projectURL(projectID, "/export/formats"), nil, &result)
}

// ListExports sends GET /api/projects/{id}/exports.
func (c *ExportClient) ListExports(projectID int64) ([]api.Export, error) {
	var result []api.Export
	return result, c.do(http.MethodGet, c.projectURL(projectID, "/exports"), nil, &result)
}

// CreateExport sends POST /api/projects/{id}/exports.
func (c *ExportClient) CreateExport(projectID int64, req api.CreateExportRequest) (*api.Export, error) {
	var result api.Export
	if err := c.do(http.MethodPost, c.projectURL(projectID, "/exports"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetExport sends GET /api/projects/{id}/exports/{export_id}.
func (c *ExportClient) GetExport(projectID, exportID int64) (*api.Export, error) {
	var result api.Export
	if err := c.do(http.MethodGet, c.projectURL(projectID, "/exports/%d", exportID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteExport sends DELETE /api/projects/{id}/exports/{export_id}.
func (c *ExportClient) DeleteExport(projectID, exportID int64) error {
	return c.do(http.MethodDelete, c.projectURL(projectID, "/exports/%d", exportID), nil, nil)
}

// Convert sends POST /api/projects/{id}/exports/{export_id}/convert.
func (c *ExportClient) Convert(projectID, exportID int64, exportType string) (*api.ConvertResponse, error) {
	var result api.ConvertResponse
	err := c.do(http.MethodPost, c.projectURL(projectID, "/exports/%d/convert", exportID),
		api.ConvertRequest{ExportType: exportType}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Download streams a snapshot, or its conversion to exportType, into w and
// returns the file name announced by the server.
func (c *ExportClient) Download(projectID, exportID int64, exportType string, w io.Writer) (string, error) {
	endpoint := c.projectURL(projectID, "/exports/%d/download", exportID)
	if exportType != "" {
		endpoint += "?exportType=" + url.QueryEscape(exportType)
	}
	return c.stream(endpoint, w)
}

// ExportNow streams the current tasks of a project converted to exportType without
// creating a snapshot.
func (c *ExportClient) ExportNow(projectID int64, exportType string, allTasks bool, w io.Writer) (string, error) {
	q := url.Values{}
	if exportType != "" {
		q.Set("exportType", exportType)
	}
	if allTasks {
		q.Set("download_all_tasks", "true")
	}
	endpoint := c.projectURL(projectID, "/export")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	return c.stream(endpoint, w)
}

func (c *ExportClient) stream(endpoint string, w io.Writer) (string, error) {
	resp, err := c.send(http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return resp.Header.Get("filename"), nil
}
