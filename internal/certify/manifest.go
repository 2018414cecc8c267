package certify

import (
	"time"
)

// Manifest is the structured description of what was certified. Its canonical
// form is what gets signed, so field additions are append-only.
type Manifest struct {
	Version    int               `json:"version"`
	DocumentID string            `json:"document_id"`
	Asset      Asset             `json:"asset"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	IssuedAt   time.Time         `json:"issued_at"`
}

// Asset identifies the certified bytes.
type Asset struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	Hash        string `json:"hash"`
	Algorithm   string `json:"algorithm"`
}

// buildManifest assembles the manifest for a certification request.
func buildManifest(documentID string, req CertifyRequest, hash string, issuedAt time.Time) Manifest {
	return Manifest{
		Version:    1,
		DocumentID: documentID,
		Asset: Asset{
			Name:        req.FileName,
			ContentType: req.ContentType,
			Size:        int64(len(req.Bytes)),
			Hash:        hash,
			Algorithm:   "SHA-256",
		},
		Metadata: req.Metadata,
		IssuedAt: issuedAt,
	}
}
