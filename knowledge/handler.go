package knowledge

import (
	"context"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"loom_back/extract"

	"github.com/gin-gonic/gin"
)

const maxUploadFiles = 20

var errDocumentNotFound = errors.New("knowledge: document not found")

// Library is where documents are kept; the chat settings blob in practice.
type Library interface {
	Documents(ctx context.Context) []Document
	UpdateDocuments(ctx context.Context, fn func([]Document) ([]Document, error)) error
}

// ObjectStore keeps the original upload bytes.
type ObjectStore interface {
	Upload(ctx context.Context, filename, contentType string, data []byte) (string, error)
	Remove(ctx context.Context, objectName string) error
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

type Handler struct {
	library    Library
	vectorizer *Vectorizer
	retriever  *Retriever
	keys       KeySource
	objects    ObjectStore
	maxBytes   int64
}

// NewHandler wires the knowledge routes. objects may be nil.
func NewHandler(library Library, vectorizer *Vectorizer, retriever *Retriever, keys KeySource, objects ObjectStore) *Handler {
	return &Handler{
		library:    library,
		vectorizer: vectorizer,
		retriever:  retriever,
		keys:       keys,
		objects:    objects,
		maxBytes:   int64(readIntEnv("KNOWLEDGE_MAX_UPLOAD_MB", 25)) << 20,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/knowledge")
	group.GET("", h.handleList)
	group.POST("/upload", h.handleUpload)
	group.POST("/preview", h.handlePreview)
	group.POST("/:id/toggle", h.handleToggle)
	group.GET("/:id/source", h.handleSource)
	group.DELETE("/:id", h.handleDelete)
}

func (h *Handler) handleList(c *gin.Context) {
	docs := h.library.Documents(c.Request.Context())
	summaries := make([]DocumentSummary, 0, len(docs))
	for _, doc := range docs {
		summaries = append(summaries, Summarize(doc))
	}
	c.JSON(http.StatusOK, gin.H{"documents": summaries})
}

// handleUpload extracts every multipart file, vectorizes the text with the
// active key and appends the resulting documents to the library. Files that
// fail extraction are reported and skipped.
func (h *Handler) handleUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["file"]
	}
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files uploaded"})
		return
	}
	if len(headers) > maxUploadFiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many files in one upload"})
		return
	}

	key, ok := h.keys.Current()
	if !ok {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "no API key configured, add at least one key in settings"})
		return
	}

	ctx := c.Request.Context()
	var (
		created []Document
		skipped []gin.H
	)
	for _, header := range headers {
		if header.Size > h.maxBytes {
			skipped = append(skipped, gin.H{"name": header.Filename, "error": "file too large"})
			continue
		}
		data, err := readFormFile(header)
		if err != nil {
			skipped = append(skipped, gin.H{"name": header.Filename, "error": err.Error()})
			continue
		}

		file := extract.File{Name: header.Filename, MimeType: header.Header.Get("Content-Type"), Data: data}
		extracted, err := extract.Extract(file)
		if err != nil {
			log.Printf("knowledge: extract %s failed: %v", header.Filename, err)
			skipped = append(skipped, gin.H{"name": header.Filename, "error": err.Error()})
			continue
		}

		objectKey := h.storeOriginal(ctx, file)
		for _, item := range extracted {
			if strings.TrimSpace(item.Text) == "" {
				continue
			}
			doc := h.vectorizer.Vectorize(ctx, RawDocument{
				Name:     item.Name,
				Text:     item.Text,
				MimeType: item.MimeType,
				Size:     item.Size,
			}, key)
			doc.ObjectKey = objectKey
			created = append(created, doc)
		}
	}

	if len(created) > 0 {
		err := h.library.UpdateDocuments(ctx, func(docs []Document) ([]Document, error) {
			return append(docs, created...), nil
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save documents", "details": err.Error()})
			return
		}
	}

	summaries := make([]DocumentSummary, 0, len(created))
	for _, doc := range created {
		summaries = append(summaries, Summarize(doc))
	}
	status := http.StatusCreated
	if len(created) == 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"documents": summaries, "skipped": skipped})
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handler) storeOriginal(ctx context.Context, file extract.File) string {
	if h.objects == nil {
		return ""
	}
	objectKey, err := h.objects.Upload(ctx, file.Name, file.MimeType, file.Data)
	if err != nil {
		log.Printf("knowledge: store original %s failed: %v", file.Name, err)
		return ""
	}
	return objectKey
}

func (h *Handler) handleToggle(c *gin.Context) {
	id := c.Param("id")
	var toggled *Document
	err := h.library.UpdateDocuments(c.Request.Context(), func(docs []Document) ([]Document, error) {
		for i := range docs {
			if docs[i].ID == id {
				docs[i].Active = !docs[i].Active
				doc := docs[i]
				toggled = &doc
				return docs, nil
			}
		}
		return nil, errDocumentNotFound
	})
	if err != nil {
		respondLibraryError(c, err)
		return
	}
	c.JSON(http.StatusOK, Summarize(*toggled))
}

func (h *Handler) handleDelete(c *gin.Context) {
	id := c.Param("id")
	var removed *Document
	err := h.library.UpdateDocuments(c.Request.Context(), func(docs []Document) ([]Document, error) {
		result := make([]Document, 0, len(docs))
		for _, doc := range docs {
			if doc.ID == id {
				d := doc
				removed = &d
				continue
			}
			result = append(result, doc)
		}
		if removed == nil {
			return nil, errDocumentNotFound
		}
		return result, nil
	})
	if err != nil {
		respondLibraryError(c, err)
		return
	}

	if h.objects != nil && removed.ObjectKey != "" && !h.objectShared(c.Request.Context(), removed.ObjectKey) {
		if err := h.objects.Remove(c.Request.Context(), removed.ObjectKey); err != nil {
			log.Printf("knowledge: remove object %s failed: %v", removed.ObjectKey, err)
		}
	}
	c.Status(http.StatusNoContent)
}

// objectShared reports whether another document extracted from the same
// archive still references objectKey.
func (h *Handler) objectShared(ctx context.Context, objectKey string) bool {
	for _, doc := range h.library.Documents(ctx) {
		if doc.ObjectKey == objectKey {
			return true
		}
	}
	return false
}

func (h *Handler) handleSource(c *gin.Context) {
	if h.objects == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "object storage not configured"})
		return
	}
	id := c.Param("id")
	for _, doc := range h.library.Documents(c.Request.Context()) {
		if doc.ID != id {
			continue
		}
		if doc.ObjectKey == "" {
			break
		}
		url, err := h.objects.PresignedURL(c.Request.Context(), doc.ObjectKey, 15*time.Minute)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to sign download url", "details": err.Error()})
			return
		}
		c.Redirect(http.StatusTemporaryRedirect, url)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "source file not found"})
}

type previewRequest struct {
	Query string `json:"query" binding:"required"`
}

// handlePreview shows which chunks a query would pull into the prompt.
func (h *Handler) handlePreview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	ctx := c.Request.Context()
	selected := h.retriever.Select(ctx, req.Query, h.library.Documents(ctx))
	for i := range selected {
		selected[i].Vector = nil
	}
	c.JSON(http.StatusOK, gin.H{
		"chunks":   selected,
		"fragment": Render(selected),
	})
}

func respondLibraryError(c *gin.Context, err error) {
	if errors.Is(err, errDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update documents", "details": err.Error()})
}
