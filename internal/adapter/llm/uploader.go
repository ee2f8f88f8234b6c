package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"localthreads/internal/domain"
	"localthreads/internal/infra/config"
	"localthreads/internal/infra/tracer"
)

// Uploader implements domain.DocumentIndexer against the upstream file and
// vector-store APIs: each file is uploaded, then indexed as one batch, and
// Index polls until the batch finishes.
type Uploader struct {
	apiKey        string
	baseURL       string
	vectorStoreID string
	client        *http.Client
	logger        *slog.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewUploader creates an uploader for the configured vector store.
func NewUploader(cfg config.LLMConfig, vectorStoreID string, logger *slog.Logger) *Uploader {
	return &Uploader{
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		vectorStoreID: vectorStoreID,
		client:        NewHTTPClient(cfg),
		logger:        logger,
		pollInterval:  time.Second,
		pollTimeout:   2 * time.Minute,
	}
}

type fileObject struct {
	ID string `json:"id"`
}

type fileBatchObject struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	FileCounts struct {
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
		Total     int `json:"total"`
	} `json:"file_counts"`
}

// Index implements domain.DocumentIndexer.
func (u *Uploader) Index(ctx context.Context, files []domain.UploadFile) (*domain.IndexStatus, error) {
	ctx, span := tracer.StartSpan(ctx, "upload.index")
	defer span.End()

	if u.vectorStoreID == "" {
		err := fmt.Errorf("%w: no vector store id", domain.ErrNotConfigured)
		tracer.RecordError(span, err)
		return nil, err
	}
	if len(files) == 0 {
		err := fmt.Errorf("%w: no files provided", domain.ErrInvalidInput)
		tracer.RecordError(span, err)
		return nil, err
	}

	fileIDs := make([]string, 0, len(files))
	for _, f := range files {
		id, err := u.uploadFile(ctx, f)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, fmt.Errorf("upload %s: %w", f.Name, err)
		}
		fileIDs = append(fileIDs, id)
	}

	batch, err := u.createBatch(ctx, fileIDs)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	batch, err = u.waitForBatch(ctx, batch)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	u.logger.Info("documents indexed",
		"batch", batch.ID,
		"status", batch.Status,
		"completed", batch.FileCounts.Completed,
		"failed", batch.FileCounts.Failed,
	)

	return &domain.IndexStatus{
		Status:        batch.Status,
		Completed:     batch.FileCounts.Completed,
		Failed:        batch.FileCounts.Failed,
		Total:         batch.FileCounts.Total,
		VectorStoreID: u.vectorStoreID,
	}, nil
}

func (u *Uploader) uploadFile(ctx context.Context, f domain.UploadFile) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "assistants"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(f.Content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/files", &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if u.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", mapHTTPError(resp.StatusCode, body)
	}

	var obj fileObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", fmt.Errorf("unmarshal file: %w", err)
	}
	return obj.ID, nil
}

func (u *Uploader) createBatch(ctx context.Context, fileIDs []string) (*fileBatchObject, error) {
	body, err := json.Marshal(map[string][]string{"file_ids": fileIDs})
	if err != nil {
		return nil, err
	}

	respBody, err := doJSONRequest(ctx, u.client,
		u.baseURL+"/vector_stores/"+u.vectorStoreID+"/file_batches", body, authHeaders(u.apiKey))
	if err != nil {
		return nil, fmt.Errorf("create file batch: %w", err)
	}

	var batch fileBatchObject
	if err := json.Unmarshal(respBody, &batch); err != nil {
		return nil, fmt.Errorf("unmarshal batch: %w", err)
	}
	return &batch, nil
}

// waitForBatch polls the batch until it leaves the in_progress state or the
// poll timeout elapses.
func (u *Uploader) waitForBatch(ctx context.Context, batch *fileBatchObject) (*fileBatchObject, error) {
	deadline := time.NewTimer(u.pollTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(u.pollInterval)
	defer tick.Stop()

	for batch.Status == "in_progress" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("indexing batch %s timed out", batch.ID)
		case <-tick.C:
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
			u.baseURL+"/vector_stores/"+u.vectorStoreID+"/file_batches/"+batch.ID, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range authHeaders(u.apiKey) {
			httpReq.Header.Set(k, v)
		}
		resp, err := u.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, mapHTTPError(resp.StatusCode, body)
		}
		if err := json.Unmarshal(body, batch); err != nil {
			return nil, fmt.Errorf("unmarshal batch: %w", err)
		}
	}
	return batch, nil
}
