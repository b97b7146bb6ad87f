package upload

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"tabesh/internal/database"
	"tabesh/internal/events"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/upload/redis"
	"tabesh/internal/upload/storage"
	"tabesh/internal/utils"
)

var (
	ErrNotFound         = fmt.Errorf("%w: file", utils.ErrNotFound)
	ErrForbidden        = fmt.Errorf("%w: not allowed for this file", utils.ErrForbidden)
	ErrUnauthorized     = fmt.Errorf("%w: sign in required", utils.ErrUnauthorized)
	ErrInvalidCategory  = fmt.Errorf("%w: unknown file category", utils.ErrValidation)
	ErrExtension        = fmt.Errorf("%w: file type not allowed for this category", utils.ErrValidation)
	ErrTooLarge         = fmt.Errorf("%w: file exceeds the category size limit", utils.ErrTooLarge)
	ErrEmptyFile        = fmt.Errorf("%w: file is empty", utils.ErrValidation)
	ErrQuotaExceeded    = fmt.Errorf("%w: file quota for this category is used up", utils.ErrConflict)
	ErrVersionConflict  = fmt.Errorf("%w: another upload took this version, try again", utils.ErrConflict)
	ErrNotPending       = fmt.Errorf("%w: file was already reviewed", utils.ErrConflict)
	ErrReasonRequired   = fmt.Errorf("%w: a rejection reason is required", utils.ErrValidation)
	ErrReviewedReadOnly = fmt.Errorf("%w: reviewed files can only be removed by staff", utils.ErrForbidden)
)

type DBLayer interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error
	NextVersion(ctx context.Context, idb bun.IDB, orderID int64, category models.FileCategory) (int, error)
	CountActive(ctx context.Context, orderID int64, category models.FileCategory) (int, error)
	InsertFile(ctx context.Context, idb bun.IDB, f *models.OrderFile) error
	GetFile(ctx context.Context, id int64) (*models.OrderFile, error)
	ListFiles(ctx context.Context, orderID int64, category models.FileCategory) ([]models.OrderFile, error)
	Review(ctx context.Context, f *models.OrderFile) error
	DeleteFile(ctx context.Context, idb bun.IDB, id int64) error
	ExpiredFiles(ctx context.Context, before time.Time) ([]models.OrderFile, error)
	OrphanFiles(ctx context.Context) ([]models.OrderFile, error)
}

// OrderReader resolves an order for an actor, enforcing who may see it.
type OrderReader interface {
	GetOrder(ctx context.Context, actor models.Actor, id int64) (*models.Order, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type UploadRequest struct {
	OrderID     int64
	Category    models.FileCategory
	FileName    string
	ContentType string
	// Size is the declared size; -1 when unknown. The stream is still
	// checked against the limit.
	Size   int64
	Reader io.Reader
}

type Service struct {
	DB                DBLayer
	Store             storage.BlobStore
	Locks             Locker
	Orders            OrderReader
	Rules             *RuleSource
	Events            events.Publisher
	Logger            *logger.Logger
	RejectedRetention time.Duration
	now               func() time.Time
}

func NewService(db DBLayer, store storage.BlobStore, locks Locker, orders OrderReader, rules *RuleSource, publisher events.Publisher, log *logger.Logger) *Service {
	return &Service{
		DB:                db,
		Store:             store,
		Locks:             locks,
		Orders:            orders,
		Rules:             rules,
		Events:            publisher,
		Logger:            log,
		RejectedRetention: 30 * 24 * time.Hour,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) publish(ctx context.Context, eventType string, f *models.OrderFile, actor models.Actor, msg string) {
	if s.Events == nil {
		return
	}
	e := events.New(eventType, f.OrderID)
	e.FileID = f.ID
	e.ActorID = actor.UserID
	e.Status = string(f.Status)
	e.Message = msg
	if err := s.Events.Publish(ctx, e); err != nil {
		s.Logger.Warn("FILE", fmt.Sprintf("Failed to publish %s for file %d: %v", eventType, f.ID, err))
	}
}

func extension(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// ---------------- UPLOAD ----------------

// Upload stores a new version of a file for the order's category.
func (s *Service) Upload(ctx context.Context, actor models.Actor, req UploadRequest) (*models.OrderFile, error) {
	if !actor.Authenticated() {
		return nil, ErrUnauthorized
	}
	if !req.Category.Valid() {
		return nil, ErrInvalidCategory
	}
	order, err := s.Orders.GetOrder(ctx, actor, req.OrderID)
	if err != nil {
		return nil, err
	}

	rules, err := s.Rules.Load(ctx)
	if err != nil {
		return nil, err
	}
	rule := rules[req.Category]
	ext := extension(req.FileName)
	if !rule.Allows(ext) {
		return nil, fmt.Errorf("%w: .%s (allowed: %s)", ErrExtension, ext, strings.Join(rule.Extensions, ", "))
	}
	if req.Size == 0 {
		return nil, ErrEmptyFile
	}
	if req.Size > rule.MaxBytes {
		return nil, ErrTooLarge
	}

	contentType := req.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension("." + ext); byExt != "" {
			contentType = byExt
		} else {
			contentType = "application/octet-stream"
		}
	}

	storedName := utils.GenerateStoredName(ext)
	file := &models.OrderFile{
		OrderID:      order.ID,
		UserID:       order.UserID,
		Category:     req.Category,
		OriginalName: filepath.Base(req.FileName),
		StoredName:   storedName,
		StoragePath:  fmt.Sprintf("orders/%d/%s/%s", order.ID, req.Category, storedName),
		MimeType:     contentType,
		Status:       models.FilePending,
		CreatedAt:    s.now(),
	}

	// Refuse a full category before reading the body.
	if err := s.checkQuota(ctx, order.ID, req.Category, rule); err != nil {
		return nil, err
	}
	if err := s.store(ctx, file, req.Reader, rule.MaxBytes); err != nil {
		return nil, err
	}

	// The lock covers only the count, version and insert.
	lockKey := redis.UploadLockKey(order.ID, string(req.Category))
	err = s.Locks.WithLock(ctx, lockKey, func(ctx context.Context) error {
		if err := s.checkQuota(ctx, order.ID, req.Category, rule); err != nil {
			return err
		}
		err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			version, err := s.DB.NextVersion(ctx, tx, order.ID, req.Category)
			if err != nil {
				return err
			}
			file.Version = version
			return s.DB.InsertFile(ctx, tx, file)
		})
		if database.IsUniqueViolation(err) {
			return ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("save file record: %w", err)
		}
		return nil
	})
	if err != nil {
		s.removeBlob(ctx, file.StoragePath)
		return nil, err
	}

	s.Logger.LogFile("UPLOADED", file.ID, fmt.Sprintf("order %d %s v%d %s (%d bytes)", file.OrderID, file.Category, file.Version, file.OriginalName, file.SizeBytes))
	s.publish(ctx, events.FileUploaded, file, actor, file.OriginalName)
	return file, nil
}

// store streams r into the blob store while hashing and counting it.
func (s *Service) store(ctx context.Context, file *models.OrderFile, r io.Reader, maxBytes int64) error {
	hasher := sha256.New()
	counter := &countingReader{r: io.LimitReader(r, maxBytes+1)}
	if err := s.Store.Put(ctx, file.StoragePath, io.TeeReader(counter, hasher), file.MimeType); err != nil {
		return fmt.Errorf("store blob: %w", err)
	}
	if counter.n > maxBytes {
		s.removeBlob(ctx, file.StoragePath)
		return ErrTooLarge
	}
	if counter.n == 0 {
		s.removeBlob(ctx, file.StoragePath)
		return ErrEmptyFile
	}
	file.SizeBytes = counter.n
	file.Checksum = hex.EncodeToString(hasher.Sum(nil))
	return nil
}

// MaxFileBytes is the largest per-file limit in the rules now in force.
func (s *Service) MaxFileBytes(ctx context.Context) (int64, error) {
	rules, err := s.Rules.Load(ctx)
	if err != nil {
		return 0, err
	}
	var largest int64
	for _, r := range rules {
		if r.MaxBytes > largest {
			largest = r.MaxBytes
		}
	}
	return largest, nil
}

func (s *Service) checkQuota(ctx context.Context, orderID int64, category models.FileCategory, rule Rule) error {
	active, err := s.DB.CountActive(ctx, orderID, category)
	if err != nil {
		return fmt.Errorf("count files: %w", err)
	}
	if active >= rule.MaxFiles {
		return fmt.Errorf("%w (%d of %d)", ErrQuotaExceeded, active, rule.MaxFiles)
	}
	return nil
}

func (s *Service) removeBlob(ctx context.Context, key string) {
	if err := s.Store.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.Logger.Error("FILE", fmt.Sprintf("Failed to remove blob %s: %v", key, err))
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ---------------- READS ----------------

// File loads a file without access checks, for callers that authorize by
// other means such as a download token.
func (s *Service) File(ctx context.Context, id int64) (*models.OrderFile, error) {
	f, err := s.DB.GetFile(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// GetFile returns a file the actor may access through its order.
func (s *Service) GetFile(ctx context.Context, actor models.Actor, id int64) (*models.OrderFile, error) {
	f, err := s.DB.GetFile(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if _, err := s.Orders.GetOrder(ctx, actor, f.OrderID); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *Service) ListFiles(ctx context.Context, actor models.Actor, orderID int64, category models.FileCategory) ([]models.OrderFile, error) {
	if category != "" && !category.Valid() {
		return nil, ErrInvalidCategory
	}
	if _, err := s.Orders.GetOrder(ctx, actor, orderID); err != nil {
		return nil, err
	}
	files, err := s.DB.ListFiles(ctx, orderID, category)
	if err != nil {
		return nil, fmt.Errorf("list files of order %d: %w", orderID, err)
	}
	if files == nil {
		files = []models.OrderFile{}
	}
	return files, nil
}

// LatestFiles returns the newest version in each category.
func (s *Service) LatestFiles(ctx context.Context, actor models.Actor, orderID int64) ([]models.OrderFile, error) {
	files, err := s.ListFiles(ctx, actor, orderID, "")
	if err != nil {
		return nil, err
	}
	latest := make([]models.OrderFile, 0, len(models.FileCategories))
	seen := make(map[models.FileCategory]bool)
	for _, f := range files {
		if !seen[f.Category] {
			seen[f.Category] = true
			latest = append(latest, f)
		}
	}
	return latest, nil
}

// Open streams a file's contents. Access checks are the caller's job.
func (s *Service) Open(ctx context.Context, f *models.OrderFile) (io.ReadCloser, error) {
	return s.Store.Open(ctx, f.StoragePath)
}

// ---------------- REVIEW ----------------

func (s *Service) Approve(ctx context.Context, actor models.Actor, id int64) (*models.OrderFile, error) {
	return s.review(ctx, actor, id, models.FileApproved, "")
}

// Reject marks the file rejected and schedules its removal after the
// retention period.
func (s *Service) Reject(ctx context.Context, actor models.Actor, id int64, reason string) (*models.OrderFile, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return s.review(ctx, actor, id, models.FileRejected, reason)
}

func (s *Service) review(ctx context.Context, actor models.Actor, id int64, status models.FileStatus, reason string) (*models.OrderFile, error) {
	if !actor.IsStaff() {
		return nil, ErrForbidden
	}
	f, err := s.DB.GetFile(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if f.Status != models.FilePending {
		return nil, ErrNotPending
	}

	now := s.now()
	f.Status = status
	f.RejectionReason = reason
	f.ReviewedBy = actor.UserID
	f.ReviewedAt = now
	if status == models.FileRejected {
		f.ExpiresAt = now.Add(s.RejectedRetention)
	}
	if err := s.DB.Review(ctx, f); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotPending
		}
		return nil, fmt.Errorf("review file %d: %w", id, err)
	}

	eventType := events.FileApproved
	if status == models.FileRejected {
		eventType = events.FileRejected
	}
	s.Logger.LogFile(strings.ToUpper(string(status)), id, fmt.Sprintf("by %s %s", actor.UserID, reason))
	s.publish(ctx, eventType, f, actor, reason)
	return f, nil
}

// ---------------- DELETE ----------------

// DeleteFile lets the owner remove a pending file and staff remove any file.
func (s *Service) DeleteFile(ctx context.Context, actor models.Actor, id int64) error {
	f, err := s.GetFile(ctx, actor, id)
	if err != nil {
		return err
	}
	if !actor.IsStaff() && f.Status != models.FilePending {
		return ErrReviewedReadOnly
	}
	if err := s.Remove(ctx, f); err != nil {
		return err
	}
	s.publish(ctx, events.FileDeleted, f, actor, f.OriginalName)
	return nil
}

// Remove deletes the blob, then the row and its tokens.
func (s *Service) Remove(ctx context.Context, f *models.OrderFile) error {
	if err := s.Store.Delete(ctx, f.StoragePath); err != nil {
		return fmt.Errorf("delete blob of file %d: %w", f.ID, err)
	}
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return s.DB.DeleteFile(ctx, tx, f.ID)
	})
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete file %d: %w", f.ID, err)
	}
	s.Logger.LogFile("DELETED", f.ID, f.StoragePath)
	return nil
}

// DeleteOrderFiles removes every file of an order.
func (s *Service) DeleteOrderFiles(ctx context.Context, orderID int64) (int, error) {
	files, err := s.DB.ListFiles(ctx, orderID, "")
	if err != nil {
		return 0, err
	}
	return s.RemoveAll(ctx, files)
}

// RemoveAll removes files one by one and stops at the first failure.
func (s *Service) RemoveAll(ctx context.Context, files []models.OrderFile) (int, error) {
	for i := range files {
		if err := s.Remove(ctx, &files[i]); err != nil {
			return i, err
		}
	}
	return len(files), nil
}

func (s *Service) ExpiredFiles(ctx context.Context, before time.Time) ([]models.OrderFile, error) {
	return s.DB.ExpiredFiles(ctx, before)
}

func (s *Service) OrphanFiles(ctx context.Context) ([]models.OrderFile, error) {
	return s.DB.OrphanFiles(ctx)
}
