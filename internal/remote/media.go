package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// UploadResult carries the outcome of a batch media upload. Partial success
// is normal: URLs holds the uploaded file locations, Errors the per-file
// failure messages. The two lists are independent; a caller proceeds with
// whatever URLs were obtained.
type UploadResult struct {
	URLs   []string `json:"urls"`
	Errors []string `json:"errors,omitempty"`
}

// Uploader sends local media files to the media upload service.
type Uploader struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

// NewUploader creates a media upload client. Media batches can be large, so
// the default timeout is more generous than the report client's.
func NewUploader(baseURL string, httpClient *http.Client, logger *log.Logger) *Uploader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[media] ", log.LstdFlags)
	}
	return &Uploader{
		baseURL: baseURL,
		http:    httpClient,
		logger:  logger,
	}
}

// UploadMany uploads the given local files in one multipart batch.
//
// Individual file failures never produce a Go error: a file that cannot be
// read locally is reported in the result's Errors, as are server-side
// per-file failures. An error is returned only for total inability to
// attempt the upload (no readable files, network failure, non-2xx status).
func (u *Uploader) UploadMany(ctx context.Context, userID string, paths []string) (UploadResult, error) {
	if len(paths) == 0 {
		return UploadResult{}, nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("user_id", userID); err != nil {
		return UploadResult{}, fmt.Errorf("failed to write user field: %w", err)
	}

	var localErrors []string
	attached := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			localErrors = append(localErrors, fmt.Sprintf("%s: %v", path, err))
			continue
		}

		part, err := mw.CreateFormFile("files", filepath.Base(path))
		if err != nil {
			return UploadResult{}, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return UploadResult{}, fmt.Errorf("failed to write form file: %w", err)
		}
		attached++
	}

	if err := mw.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	if attached == 0 {
		return UploadResult{}, fmt.Errorf("no readable media files out of %d", len(paths))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.baseURL+"/api/v1/media/batch", &buf)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.http.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("media upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return UploadResult{}, fmt.Errorf("media upload returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return UploadResult{}, fmt.Errorf("failed to decode upload response: %w", err)
	}

	result.Errors = append(localErrors, result.Errors...)

	u.logger.Printf("Uploaded %d/%d media files", len(result.URLs), len(paths))
	return result, nil
}
