package knowledge

// Document is an uploaded knowledge file with its embedded chunks. Documents
// live inside the application settings blob, so they carry their own vectors.
type Document struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Text      string  `json:"text"`
	MimeType  string  `json:"mime_type"`
	Size      int64   `json:"size"`
	Active    bool    `json:"active"`
	SourceURL *string `json:"source_url,omitempty"`
	ObjectKey string  `json:"object_key,omitempty"`
	Chunks    []Chunk `json:"chunks"`
}

// Chunk is a fixed-size slice of a document paired with its embedding.
type Chunk struct {
	DocumentID   string    `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Index        int       `json:"index"`
	Text         string    `json:"text"`
	Vector       []float32 `json:"vector"`
}

// RawDocument is the extracted text of an upload before vectorization.
type RawDocument struct {
	Name     string
	Text     string
	MimeType string
	Size     int64
}

// ScoredChunk is a chunk with its similarity to the current query.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// DocumentSummary is the listing view of a document, without text or vectors.
type DocumentSummary struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	MimeType   string  `json:"mime_type"`
	Size       int64   `json:"size"`
	Active     bool    `json:"active"`
	ChunkCount int     `json:"chunk_count"`
	SourceURL  *string `json:"source_url,omitempty"`
}

func Summarize(doc Document) DocumentSummary {
	return DocumentSummary{
		ID:         doc.ID,
		Name:       doc.Name,
		MimeType:   doc.MimeType,
		Size:       doc.Size,
		Active:     doc.Active,
		ChunkCount: len(doc.Chunks),
		SourceURL:  doc.SourceURL,
	}
}
