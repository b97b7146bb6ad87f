package dataio

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/uptrace/bun"

	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/upload/storage"
	"tabesh/internal/utils"
)

const (
	FormatJSON = "json"
	FormatZIP  = "zip"
)

type ExportOptions struct {
	Format       string
	IncludeFiles bool
	IncludeAI    bool
}

type Service struct {
	DB     *bun.DB
	Store  storage.BlobStore
	Logger *logger.Logger
	// MaxBlobBytes caps a single archived file on import.
	MaxBlobBytes int64
	now          func() time.Time
}

func NewService(db *bun.DB, store storage.BlobStore, log *logger.Logger) *Service {
	return &Service{
		DB:           db,
		Store:        store,
		Logger:       log,
		MaxBlobBytes: 1 << 30,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Filename is the suggested download name for an export.
func Filename(format string, at time.Time) string {
	return fmt.Sprintf("tabesh-export-%s.%s", at.UTC().Format("20060102-150405"), format)
}

// Collect reads the current dataset into an envelope. Soft-deleted orders,
// and the rows hanging off them, are left out.
func (s *Service) Collect(ctx context.Context, includeAI bool) (*Envelope, error) {
	env := &Envelope{Version: FormatVersion, ExportedAt: s.now()}

	if err := s.DB.NewSelect().Model(&env.Orders).Order("o.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export orders: %w", err)
	}
	live := make(map[int64]bool, len(env.Orders))
	for _, o := range env.Orders {
		live[o.ID] = true
	}

	var logs []models.OrderLog
	if err := s.DB.NewSelect().Model(&logs).Order("ol.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export order logs: %w", err)
	}
	for _, l := range logs {
		if live[l.OrderID] {
			env.OrderLogs = append(env.OrderLogs, l)
		}
	}

	var files []models.OrderFile
	if err := s.DB.NewSelect().Model(&files).Order("f.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export files: %w", err)
	}
	for _, f := range files {
		if live[f.OrderID] {
			env.Files = append(env.Files, f)
		}
	}

	if err := s.DB.NewSelect().Model(&env.Settings).Order("s.name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export settings: %w", err)
	}

	if includeAI {
		if err := s.DB.NewSelect().Model(&env.AIProfiles).Order("ap.id ASC").Scan(ctx); err != nil {
			return nil, fmt.Errorf("export ai profiles: %w", err)
		}
		if err := s.DB.NewSelect().Model(&env.AIBehavior).Order("ab.id ASC").Scan(ctx); err != nil {
			return nil, fmt.Errorf("export ai behavior: %w", err)
		}
	}
	return env, nil
}

func (e *Envelope) counts() *Counts {
	return &Counts{
		Orders:     len(e.Orders),
		OrderLogs:  len(e.OrderLogs),
		Files:      len(e.Files),
		Settings:   len(e.Settings),
		AIProfiles: len(e.AIProfiles),
		AIBehavior: len(e.AIBehavior),
	}
}

// Export writes the dataset to w as plain JSON, or as a ZIP holding
// data.json and, with IncludeFiles, every stored file under files/.
func (s *Service) Export(ctx context.Context, w io.Writer, opts ExportOptions) (*Counts, error) {
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	if opts.Format != FormatJSON && opts.Format != FormatZIP {
		return nil, fmt.Errorf("%w: format must be json or zip", utils.ErrValidation)
	}

	env, err := s.Collect(ctx, opts.IncludeAI)
	if err != nil {
		return nil, err
	}
	counts := env.counts()

	if opts.Format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(env); err != nil {
			return nil, fmt.Errorf("write export: %w", err)
		}
		s.Logger.LogDatabase("EXPORT", "all", fmt.Sprintf("json: %d orders, %d files", counts.Orders, counts.Files))
		return counts, nil
	}

	zw := zip.NewWriter(w)
	data, err := zw.Create(DataFile)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(data)
	enc.SetIndent("", "  ")
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("write %s: %w", DataFile, err)
	}

	if opts.IncludeFiles {
		for _, f := range env.Files {
			copied, err := s.archiveBlob(ctx, zw, f)
			if err != nil {
				return nil, err
			}
			if copied {
				counts.Blobs++
			} else {
				counts.MissingBlobs++
			}
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	s.Logger.LogDatabase("EXPORT", "all", fmt.Sprintf("zip: %d orders, %d files, %d blobs", counts.Orders, counts.Files, counts.Blobs))
	return counts, nil
}

// archiveBlob copies one stored file into the archive. A blob missing from
// storage is skipped.
func (s *Service) archiveBlob(ctx context.Context, zw *zip.Writer, f models.OrderFile) (bool, error) {
	rc, err := s.Store.Open(ctx, f.StoragePath)
	if errors.Is(err, storage.ErrNotFound) {
		s.Logger.Warn("EXPORT", fmt.Sprintf("File %d has no stored blob at %s", f.ID, f.StoragePath))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open %s: %w", f.StoragePath, err)
	}
	defer rc.Close()

	hdr := &zip.FileHeader{Name: FilesPrefix + f.StoragePath, Method: zip.Deflate, Modified: f.CreatedAt}
	entry, err := zw.CreateHeader(hdr)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(entry, rc); err != nil {
		return false, fmt.Errorf("archive %s: %w", f.StoragePath, err)
	}
	return true, nil
}
