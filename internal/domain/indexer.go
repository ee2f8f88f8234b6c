package domain

import "context"

// UploadFile is one document to index into the knowledge base.
type UploadFile struct {
	Name    string
	Content []byte
}

// IndexStatus reports the outcome of an indexing batch.
type IndexStatus struct {
	Status        string `json:"status"`
	Completed     int    `json:"completed"`
	Failed        int    `json:"failed"`
	Total         int    `json:"total"`
	VectorStoreID string `json:"vectorStoreId"`
}

// DocumentIndexer uploads documents into the retrieval backend and waits for
// them to become searchable.
type DocumentIndexer interface {
	Index(ctx context.Context, files []UploadFile) (*IndexStatus, error)
}
