package models

import (
	"time"

	"github.com/uptrace/bun"
)

type FileCategory string

const (
	CategoryText      FileCategory = "text"
	CategoryCover     FileCategory = "cover"
	CategoryDocuments FileCategory = "documents"
)

var FileCategories = []FileCategory{CategoryText, CategoryCover, CategoryDocuments}

func (c FileCategory) Valid() bool {
	return c == CategoryText || c == CategoryCover || c == CategoryDocuments
}

type FileStatus string

const (
	FilePending  FileStatus = "pending"
	FileApproved FileStatus = "approved"
	FileRejected FileStatus = "rejected"
)

type OrderFile struct {
	bun.BaseModel `bun:"table:order_files,alias:f"`

	ID              int64        `bun:"id,pk,autoincrement" json:"id"`
	OrderID         int64        `bun:"order_id,notnull" json:"order_id"`
	UserID          string       `bun:"user_id,notnull" json:"user_id"`
	Category        FileCategory `bun:"category,notnull" json:"category"`
	Version         int          `bun:"version,notnull" json:"version"`
	OriginalName    string       `bun:"original_name,notnull" json:"original_name"`
	StoredName      string       `bun:"stored_name,notnull" json:"stored_name"`
	StoragePath     string       `bun:"storage_path,notnull" json:"storage_path"`
	MimeType        string       `bun:"mime_type" json:"mime_type"`
	SizeBytes       int64        `bun:"size_bytes" json:"size_bytes"`
	Checksum        string       `bun:"checksum" json:"checksum"`
	Status          FileStatus   `bun:"status,notnull" json:"status"`
	RejectionReason string       `bun:"rejection_reason" json:"rejection_reason,omitempty"`
	ReviewedBy      string       `bun:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt      time.Time    `bun:"reviewed_at,nullzero" json:"reviewed_at,omitempty"`
	ExpiresAt       time.Time    `bun:"expires_at,nullzero" json:"expires_at,omitempty"`
	CreatedAt       time.Time    `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

type DownloadToken struct {
	bun.BaseModel `bun:"table:download_tokens,alias:dt"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	FileID    int64     `bun:"file_id,notnull" json:"file_id"`
	TokenHash string    `bun:"token_hash,unique,notnull" json:"-"`
	CreatedBy string    `bun:"created_by" json:"created_by"`
	ExpiresAt time.Time `bun:"expires_at,notnull" json:"expires_at"`
	Used      bool      `bun:"used,notnull" json:"used"`
	UsedAt    time.Time `bun:"used_at,nullzero" json:"used_at,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
