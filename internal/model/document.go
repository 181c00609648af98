package model

import "time"

// DefaultContentType is used when an upload does not declare its media type.
const DefaultContentType = "application/octet-stream"

// Document is a stored file and its metadata.
// It carries no persistence tags and is shared by the HTTP, service and storage layers.
type Document struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Checksum    string            `json:"checksum"`
	Metadata    map[string]string `json:"metadata"`
	Revision    int64             `json:"revision"`
	StoragePath string            `json:"-"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
