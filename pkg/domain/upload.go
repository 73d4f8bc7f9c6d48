package domain

import (
	"io"
	"sort"
	"time"
)

// Upload is the catalog record of one stored file.
type Upload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	FieldName   string    `json:"field_name,omitempty"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key returns the storage key of the upload.
func (u Upload) Key() FileKey {
	return FileKey{ID: u.ID, Name: u.Name}
}

// SortNewestFirst orders uploads by creation time, newest first, breaking ties by ID.
func SortNewestFirst(uploads []Upload) {
	sort.Slice(uploads, func(i, j int) bool {
		if !uploads[i].CreatedAt.Equal(uploads[j].CreatedAt) {
			return uploads[i].CreatedAt.After(uploads[j].CreatedAt)
		}
		return uploads[i].ID < uploads[j].ID
	})
}

// UploadResult is the body returned by POST /upload.
type UploadResult struct {
	Part  []UploadResultPart `json:"part"`
	Error *string            `json:"error"`
}

// UploadResultPart describes one stored (or failed) file of an upload.
type UploadResultPart struct {
	Name     string  `json:"name"`
	FileName string  `json:"file_name"`
	URL      string  `json:"url"`
	Error    *string `json:"error"`
}

// Blob is an opened stored file.
// Body may additionally implement io.Seeker; callers must close it.
type Blob struct {
	Key         FileKey
	Body        io.ReadCloser
	Size        int64
	ModTime     time.Time
	ContentType string
}

// ErrorString converts err into the nullable error field of the result documents.
func ErrorString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
