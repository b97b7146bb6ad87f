package dataio

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/uptrace/bun"

	aidb "tabesh/internal/ai/db"
	"tabesh/internal/database"
	"tabesh/internal/models"
	"tabesh/internal/settings"
	"tabesh/internal/upload/storage"
	"tabesh/internal/utils"
)

const (
	// ModeMerge keeps existing rows; orders whose number already exists are
	// skipped together with their logs and files.
	ModeMerge = "merge"
	// ModeReplace empties every table first.
	ModeReplace = "replace"
)

type ImportOptions struct {
	Mode string
}

var zipMagic = []byte("PK\x03\x04")

func isZip(r io.ReaderAt) bool {
	head := make([]byte, len(zipMagic))
	n, _ := r.ReadAt(head, 0)
	return n == len(zipMagic) && bytes.Equal(head, zipMagic)
}

// archive is an opened import ZIP: its envelope and the blobs it carries,
// keyed by storage path.
type archive struct {
	env   *Envelope
	blobs map[string]*zip.File
}

func readArchive(r io.ReaderAt, size int64) (*archive, error) {
	zr, err := zip.NewReader(r, size)
	if errors.Is(err, zip.ErrInsecurePath) {
		return nil, ErrUnsafePath
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	a := &archive{blobs: make(map[string]*zip.File)}
	var data *zip.File
	for _, f := range zr.File {
		switch {
		case f.Name == DataFile:
			data = f
		case strings.HasPrefix(f.Name, FilesPrefix):
			if f.FileInfo().IsDir() {
				continue
			}
			key, err := storage.CleanKey(strings.TrimPrefix(f.Name, FilesPrefix))
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrUnsafePath, f.Name)
			}
			a.blobs[key] = f
		}
	}
	if data == nil {
		return nil, fmt.Errorf("%w: archive has no %s", ErrMalformed, DataFile)
	}

	rc, err := data.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer rc.Close()
	if a.env, err = decodeEnvelope(rc); err != nil {
		return nil, err
	}
	return a, nil
}

// Import loads a JSON or ZIP export. All rows go in one transaction; blobs
// written before a failed commit are removed again.
func (s *Service) Import(ctx context.Context, r io.ReaderAt, size int64, opts ImportOptions) (*Counts, error) {
	if opts.Mode == "" {
		opts.Mode = ModeMerge
	}
	if opts.Mode != ModeMerge && opts.Mode != ModeReplace {
		return nil, fmt.Errorf("%w: mode must be merge or replace", utils.ErrValidation)
	}

	var a *archive
	if isZip(r) {
		var err error
		if a, err = readArchive(r, size); err != nil {
			return nil, err
		}
	} else {
		env, err := decodeEnvelope(io.NewSectionReader(r, 0, size))
		if err != nil {
			return nil, err
		}
		a = &archive{env: env}
	}

	var (
		counts   *Counts
		restore  []models.OrderFile
		written  []string
		previous []string
	)
	err := s.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if opts.Mode == ModeReplace {
			if err := tx.NewSelect().Model((*models.OrderFile)(nil)).Column("storage_path").Scan(ctx, &previous); err != nil {
				return fmt.Errorf("list stored files: %w", err)
			}
			if err := database.Truncate(ctx, tx, database.Tables...); err != nil {
				return err
			}
		}

		var err error
		counts, restore, err = insertEnvelope(ctx, tx, a.env)
		if err != nil {
			return err
		}
		for _, f := range restore {
			entry, ok := a.blobs[f.StoragePath]
			if !ok {
				counts.MissingBlobs++
				continue
			}
			if err := s.restoreBlob(ctx, entry, f); err != nil {
				return err
			}
			written = append(written, f.StoragePath)
			counts.Blobs++
		}
		return nil
	})
	if err != nil {
		existed := make(map[string]bool, len(previous))
		for _, key := range previous {
			existed[key] = true
		}
		for _, key := range written {
			if existed[key] {
				continue
			}
			if derr := s.Store.Delete(context.Background(), key); derr != nil {
				s.Logger.Warn("IMPORT", fmt.Sprintf("Could not remove restored blob %s: %v", key, derr))
			}
		}
		return nil, fmt.Errorf("import: %w", err)
	}

	if len(previous) > 0 {
		// Rows restored without a blob in the archive still point at the
		// blob already in storage.
		kept := make(map[string]bool, len(restore))
		for _, f := range restore {
			kept[f.StoragePath] = true
		}
		for _, key := range previous {
			if kept[key] {
				continue
			}
			if err := s.Store.Delete(ctx, key); err != nil {
				s.Logger.Warn("IMPORT", fmt.Sprintf("Could not remove replaced blob %s: %v", key, err))
			}
		}
	}

	s.Logger.LogDatabase("IMPORT", opts.Mode, fmt.Sprintf("%d orders, %d files, %d blobs, %d skipped",
		counts.Orders, counts.Files, counts.Blobs, counts.Skipped))
	return counts, nil
}

func (s *Service) restoreBlob(ctx context.Context, entry *zip.File, f models.OrderFile) error {
	if int64(entry.UncompressedSize64) > s.MaxBlobBytes {
		return fmt.Errorf("%w: %s is larger than %d bytes", utils.ErrTooLarge, entry.Name, s.MaxBlobBytes)
	}
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, entry.Name, err)
	}
	defer rc.Close()
	if err := s.Store.Put(ctx, f.StoragePath, io.LimitReader(rc, s.MaxBlobBytes), f.MimeType); err != nil {
		return fmt.Errorf("restore %s: %w", f.StoragePath, err)
	}
	return nil
}

// insertEnvelope writes the envelope's rows with fresh ids and returns the
// files whose blobs should be restored.
func insertEnvelope(ctx context.Context, tx bun.Tx, env *Envelope) (*Counts, []models.OrderFile, error) {
	counts := &Counts{}
	ids := make(map[int64]int64, len(env.Orders))

	for _, o := range env.Orders {
		oldID := o.ID
		var existing int64
		err := tx.NewSelect().
			Model((*models.Order)(nil)).
			Column("id").
			Where("order_number = ?", o.OrderNumber).
			WhereAllWithDeleted().
			Limit(1).
			Scan(ctx, &existing)
		if err == nil {
			counts.Skipped++
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("look up order %s: %w", o.OrderNumber, err)
		}

		o.ID = 0
		if _, err := tx.NewInsert().Model(&o).Exec(ctx); err != nil {
			return nil, nil, fmt.Errorf("insert order %s: %w", o.OrderNumber, err)
		}
		ids[oldID] = o.ID
		counts.Orders++
	}

	for _, l := range env.OrderLogs {
		newID, ok := ids[l.OrderID]
		if !ok {
			continue
		}
		l.ID, l.OrderID = 0, newID
		if _, err := tx.NewInsert().Model(&l).Exec(ctx); err != nil {
			return nil, nil, fmt.Errorf("insert order log: %w", err)
		}
		counts.OrderLogs++
	}

	var restore []models.OrderFile
	for _, f := range env.Files {
		newID, ok := ids[f.OrderID]
		if !ok {
			continue
		}
		f.ID, f.OrderID = 0, newID
		if _, err := tx.NewInsert().Model(&f).Exec(ctx); err != nil {
			return nil, nil, fmt.Errorf("insert file %s: %w", f.StoragePath, err)
		}
		restore = append(restore, f)
		counts.Files++
	}

	if err := settings.Upsert(ctx, tx, env.Settings...); err != nil {
		return nil, nil, err
	}
	counts.Settings = len(env.Settings)

	profiles := aidb.New(nil)
	for _, p := range env.AIProfiles {
		p.ID = 0
		if err := profiles.UpsertProfile(ctx, tx, &p); err != nil {
			return nil, nil, fmt.Errorf("upsert profile %s: %w", p.OwnerKey, err)
		}
		counts.AIProfiles++
	}

	if len(env.AIBehavior) > 0 {
		events := make([]models.BehaviorEvent, len(env.AIBehavior))
		copy(events, env.AIBehavior)
		for i := range events {
			events[i].ID = 0
		}
		if _, err := tx.NewInsert().Model(&events).Exec(ctx); err != nil {
			return nil, nil, fmt.Errorf("insert behavior: %w", err)
		}
		counts.AIBehavior = len(events)
	}
	return counts, restore, nil
}
