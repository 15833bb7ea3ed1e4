package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"docqa/internal/util"
	"docqa/pkg/domain"
	"docqa/pkg/index"
	"docqa/pkg/store"
)

const pdfContentType = "application/pdf"

// UploadResult reports the document an upload resolved to.
type UploadResult struct {
	Document domain.Document
	// AlreadyIndexed is set when the file name was already indexed and the
	// upload was a no-op.
	AlreadyIndexed bool
	Chunks         int
}

// Upload stores a PDF, indexes it and marks the document indexed. A file
// name that is already indexed for the user is not rebuilt. On extraction or
// indexing failure the document is left in the failed state; failures of
// external services are queued for retry when a queue is configured.
func (a *App) Upload(ctx context.Context, user domain.User, fileName string, data []byte) (UploadResult, error) {
	fileName = cleanFileName(fileName)
	if fileName == "" {
		return UploadResult{}, invalid("file name required")
	}
	if !strings.HasSuffix(strings.ToLower(fileName), ".pdf") {
		return UploadResult{}, invalid("only PDF files are accepted")
	}
	if len(data) == 0 {
		return UploadResult{}, invalid("file is empty")
	}
	logger := util.LoggerFromContext(ctx).With("user_id", user.ID, "file_name", fileName)

	doc, found, err := a.store.FindDocumentByFileName(ctx, user.ID, fileName)
	if err != nil {
		return UploadResult{}, external("find document", err)
	}
	now := a.now()
	size := int64(len(data))
	switch {
	case found && doc.Status == domain.StatusIndexed:
		return UploadResult{Document: doc, AlreadyIndexed: true}, nil
	case found:
		// the stored bytes are the ones that failed; replace them
		url, err := a.blobs.Put(ctx, blobKey(user.ID, fileName), bytes.NewReader(data), size, pdfContentType)
		if err != nil {
			return UploadResult{}, external("upload blob", err)
		}
		if doc.BlobURL != "" && doc.BlobURL != url {
			a.deleteBlob(ctx, doc)
		}
		doc.BlobURL = url
		doc.UploadDate = now
		doc.FileSize = size
		doc.Status = domain.StatusIndexing
		doc.ErrorMessage = ""
		doc.UpdatedAt = now
		if err := a.store.SaveDocument(ctx, doc); err != nil {
			return UploadResult{}, external("update document", err)
		}
	default:
		url, err := a.blobs.Put(ctx, blobKey(user.ID, fileName), bytes.NewReader(data), size, pdfContentType)
		if err != nil {
			return UploadResult{}, external("upload blob", err)
		}
		doc = domain.Document{
			ID:         util.NewHexID(10),
			UserID:     user.ID,
			FileName:   fileName,
			BlobURL:    url,
			IndexName:  newIndexName(user.ID),
			UploadDate: now,
			Status:     domain.StatusIndexing,
			FileSize:   size,
			UpdatedAt:  now,
		}
		err = a.store.CreateDocument(ctx, doc)
		if errors.Is(err, store.ErrConflict) {
			// a concurrent upload of the same file created the row first and
			// owns the blob key
			existing, ok, ferr := a.store.FindDocumentByFileName(ctx, user.ID, fileName)
			if ferr != nil || !ok {
				return UploadResult{}, external("find document", errors.Join(err, ferr))
			}
			logger.Info("concurrent upload resolved to existing document", "document_id", existing.ID)
			return UploadResult{Document: existing, AlreadyIndexed: existing.Status == domain.StatusIndexed}, nil
		}
		if err != nil {
			if derr := a.blobs.Delete(ctx, blobKey(user.ID, fileName)); derr != nil {
				logger.Warn("failed to remove blob after row write failure", "err", derr)
			}
			return UploadResult{}, external("create document", err)
		}
	}

	chunks, err := a.indexDocument(ctx, &doc, data, a.queue != nil)
	if err != nil {
		logger.Error("document indexing failed", "document_id", doc.ID, "err", err)
		return UploadResult{Document: doc}, err
	}
	logger.Info("document indexed", "document_id", doc.ID, "chunks", chunks)
	return UploadResult{Document: doc, Chunks: chunks}, nil
}

// indexDocument extracts text, rebuilds the document's index and records
// the outcome on the row.
func (a *App) indexDocument(ctx context.Context, doc *domain.Document, data []byte, enqueueOnFailure bool) (int, error) {
	text, err := a.extract(data)
	if err != nil {
		return 0, a.markFailed(ctx, doc, fmt.Errorf("extract text: %w", err), false)
	}
	chunks, err := a.builder.Build(ctx, text, doc.IndexName)
	if errors.Is(err, index.ErrEmptyText) {
		return 0, a.markFailed(ctx, doc, fmt.Errorf("%w: no extractable text", ErrMalformedDocument), false)
	}
	if err != nil {
		return 0, a.markFailed(ctx, doc, external("build index", err), enqueueOnFailure)
	}
	if err := a.store.SetDocumentStatus(ctx, doc.UserID, doc.ID, domain.StatusIndexed, ""); err != nil {
		return 0, external("update document status", err)
	}
	doc.Status = domain.StatusIndexed
	doc.ErrorMessage = ""
	return chunks, nil
}

// markFailed records cause on the row and returns it.
func (a *App) markFailed(ctx context.Context, doc *domain.Document, cause error, enqueue bool) error {
	logger := util.LoggerFromContext(ctx).With("user_id", doc.UserID, "document_id", doc.ID)
	doc.Status = domain.StatusFailed
	doc.ErrorMessage = cause.Error()
	if err := a.store.SetDocumentStatus(ctx, doc.UserID, doc.ID, domain.StatusFailed, doc.ErrorMessage); err != nil {
		logger.Error("failed to mark document failed", "err", err)
	}
	if enqueue && a.queue != nil {
		if job, err := a.queue.Enqueue(ctx, doc.UserID, doc.ID); err != nil {
			logger.Error("failed to enqueue reindex", "err", err)
		} else {
			logger.Info("reindex enqueued", "job_id", job.ID)
		}
	}
	return cause
}

// Delete removes a document row, then its index and blob on a best-effort
// basis. A missing row yields ErrNotFound.
func (a *App) Delete(ctx context.Context, user domain.User, docID string) error {
	doc, found, err := a.store.GetDocument(ctx, user.ID, docID)
	if err != nil {
		return external("get document", err)
	}
	if !found {
		return ErrNotFound
	}
	deleted, err := a.store.DeleteDocument(ctx, user.ID, docID)
	if err != nil {
		return external("delete document", err)
	}
	if !deleted {
		return ErrNotFound
	}
	a.releaseResources(ctx, doc)
	return nil
}

func (a *App) releaseResources(ctx context.Context, doc domain.Document) {
	logger := util.LoggerFromContext(ctx).With("user_id", doc.UserID, "document_id", doc.ID)
	if doc.IndexName != "" {
		if err := a.indexes.Drop(ctx, doc.IndexName); err != nil {
			logger.Warn("failed to drop index", "index", doc.IndexName, "err", err)
		}
	}
	if doc.BlobURL != "" {
		a.deleteBlob(ctx, doc)
	}
}

func (a *App) deleteBlob(ctx context.Context, doc domain.Document) {
	key, err := a.blobs.KeyFromURL(doc.BlobURL)
	if err == nil {
		err = a.blobs.Delete(ctx, key)
	}
	if err != nil {
		util.LoggerFromContext(ctx).Warn("failed to delete blob", "user_id", doc.UserID, "document_id", doc.ID, "blob_url", doc.BlobURL, "err", err)
	}
}

// CleanupOrphans deletes document rows whose blob is missing, empty or
// cannot be resolved, and returns how many rows were removed.
func (a *App) CleanupOrphans(ctx context.Context, user domain.User) (int, error) {
	docs, err := a.store.ListDocuments(ctx, user.ID)
	if err != nil {
		return 0, external("list documents", err)
	}
	logger := util.LoggerFromContext(ctx).With("user_id", user.ID)
	removed := 0
	for _, doc := range docs {
		if doc.BlobURL == "" {
			continue
		}
		size, err := a.blobSize(ctx, doc.BlobURL)
		if err == nil && size > 0 {
			continue
		}
		deleted, derr := a.store.DeleteDocument(ctx, user.ID, doc.ID)
		if derr != nil {
			logger.Warn("failed to delete orphan document", "document_id", doc.ID, "err", derr)
			continue
		}
		if !deleted {
			continue
		}
		removed++
		logger.Info("orphan document removed", "document_id", doc.ID, "size", size, "resolve_err", err)
		if doc.IndexName != "" {
			if err := a.indexes.Drop(ctx, doc.IndexName); err != nil {
				logger.Warn("failed to drop orphan index", "index", doc.IndexName, "err", err)
			}
		}
	}
	return removed, nil
}

// ListDocuments returns the user's documents, newest upload first.
func (a *App) ListDocuments(ctx context.Context, user domain.User) ([]domain.Document, error) {
	docs, err := a.store.ListDocuments(ctx, user.ID)
	if err != nil {
		return nil, external("list documents", err)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UploadDate.After(docs[j].UploadDate)
	})
	return docs, nil
}

// RetryDocument rebuilds the index of a failed or stuck document from its
// stored blob. Indexed documents are left alone.
func (a *App) RetryDocument(ctx context.Context, userID, docID string) error {
	doc, found, err := a.store.GetDocument(ctx, userID, docID)
	if err != nil {
		return external("get document", err)
	}
	if !found {
		return ErrNotFound
	}
	if doc.Status == domain.StatusIndexed {
		return nil
	}
	key, err := a.blobs.KeyFromURL(doc.BlobURL)
	if err != nil {
		return a.markFailed(ctx, &doc, fmt.Errorf("%w: blob reference: %w", ErrNotFound, err), false)
	}
	data, err := a.blobs.Get(ctx, key)
	if err != nil {
		return external("read blob", err)
	}
	if err := a.store.SetDocumentStatus(ctx, userID, docID, domain.StatusIndexing, ""); err != nil {
		return external("update document status", err)
	}
	doc.Status = domain.StatusIndexing
	_, err = a.indexDocument(ctx, &doc, data, false)
	return err
}

// SweepStale fails documents that have been indexing for longer than
// olderThan and queues them for another attempt.
func (a *App) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := a.store.ListStaleDocuments(ctx, domain.StatusIndexing, a.now().Add(-olderThan))
	if err != nil {
		return 0, external("list stale documents", err)
	}
	for i := range stale {
		_ = a.markFailed(ctx, &stale[i], errors.New("indexing did not finish"), true)
	}
	return len(stale), nil
}

func (a *App) blobSize(ctx context.Context, blobURL string) (int64, error) {
	key, err := a.blobs.KeyFromURL(blobURL)
	if err != nil {
		return 0, err
	}
	return a.blobs.Size(ctx, key)
}

func (a *App) backfillSize(ctx context.Context, doc *domain.Document) {
	size, err := a.blobSize(ctx, doc.BlobURL)
	if err != nil || size == 0 {
		return
	}
	doc.FileSize = size
	if err := a.store.SetDocumentSize(ctx, doc.UserID, doc.ID, size); err != nil {
		util.LoggerFromContext(ctx).Warn("failed to persist file size", "document_id", doc.ID, "err", err)
	}
}

func blobKey(userID, fileName string) string {
	return userID + "/" + fileName
}

func newIndexName(userID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strings.ToLower(fmt.Sprintf("index_user%s_doc%s", userID, suffix))
}

func cleanFileName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
