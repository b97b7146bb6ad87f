package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/utils"
)

var (
	ErrTokenInvalid = fmt.Errorf("%w: invalid download token", utils.ErrForbidden)
	ErrTokenExpired = fmt.Errorf("%w: download token expired", utils.ErrGone)
	ErrTokenUsed    = fmt.Errorf("%w: download token already used", utils.ErrGone)
	ErrInvalidTTL   = fmt.Errorf("%w: token lifetime out of range", utils.ErrValidation)
)

// tokenBytes is the amount of randomness in a token before hex encoding.
const tokenBytes = 32

type DBLayer interface {
	InsertToken(ctx context.Context, t *models.DownloadToken) error
	GetTokenByHash(ctx context.Context, hash string) (*models.DownloadToken, error)
	MarkUsed(ctx context.Context, id int64, now time.Time) error
	CountPurgeable(ctx context.Context, before time.Time) (int, error)
	DeletePurgeable(ctx context.Context, before time.Time) (int, error)
}

// FileSource is the part of the upload service downloads depend on.
type FileSource interface {
	GetFile(ctx context.Context, actor models.Actor, id int64) (*models.OrderFile, error)
	File(ctx context.Context, id int64) (*models.OrderFile, error)
	Open(ctx context.Context, f *models.OrderFile) (io.ReadCloser, error)
}

type QREncoder interface {
	Base64PNG(content string) (string, error)
}

// IssuedToken is returned once; only its hash is stored.
type IssuedToken struct {
	Token     string    `json:"token"`
	FileID    int64     `json:"file_id"`
	ExpiresAt time.Time `json:"expires_at"`
	URL       string    `json:"download_url"`
	QRCode    string    `json:"qr_code,omitempty"`
}

type Service struct {
	DB        DBLayer
	Files     FileSource
	QR        QREncoder
	Logger    *logger.Logger
	PublicURL string
	TTL       time.Duration
	MaxTTL    time.Duration
	now       func() time.Time
}

func NewService(db DBLayer, files FileSource, qr QREncoder, publicURL string, ttl, maxTTL time.Duration, log *logger.Logger) *Service {
	return &Service{
		DB:        db,
		Files:     files,
		QR:        qr,
		Logger:    log,
		PublicURL: strings.TrimRight(publicURL, "/"),
		TTL:       ttl,
		MaxTTL:    maxTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// IssueToken creates a single-use link for a file the actor can see. A
// zero ttl means the default lifetime.
func (s *Service) IssueToken(ctx context.Context, actor models.Actor, fileID int64, ttl time.Duration) (*IssuedToken, error) {
	if !actor.Authenticated() {
		return nil, fmt.Errorf("%w: sign in required", utils.ErrUnauthorized)
	}
	if ttl == 0 {
		ttl = s.TTL
	}
	if ttl < 0 || ttl > s.MaxTTL {
		return nil, fmt.Errorf("%w: must be between 0 and %s", ErrInvalidTTL, s.MaxTTL)
	}

	f, err := s.Files.GetFile(ctx, actor, fileID)
	if err != nil {
		return nil, err
	}

	raw, err := utils.GenerateToken(tokenBytes)
	if err != nil {
		return nil, err
	}
	now := s.now()
	t := &models.DownloadToken{
		FileID:    f.ID,
		TokenHash: utils.HashToken(raw),
		CreatedBy: actor.UserID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.DB.InsertToken(ctx, t); err != nil {
		return nil, fmt.Errorf("save download token: %w", err)
	}

	issued := &IssuedToken{
		Token:     raw,
		FileID:    f.ID,
		ExpiresAt: t.ExpiresAt,
		URL:       fmt.Sprintf("%s/api/v1/download/%d?token=%s", s.PublicURL, f.ID, raw),
	}
	if s.QR != nil {
		if issued.QRCode, err = s.QR.Base64PNG(issued.URL); err != nil {
			s.Logger.Warn("DOWNLOAD", fmt.Sprintf("QR for file %d failed: %v", f.ID, err))
		}
	}
	s.Logger.LogDownload("ISSUED", f.ID, fmt.Sprintf("by %s, expires %s", actor.UserID, t.ExpiresAt.Format(time.RFC3339)))
	return issued, nil
}

// Redeem consumes token for fileID and returns the file with its contents
// opened. The token is only spent once the blob could be opened; the caller
// closes the reader.
func (s *Service) Redeem(ctx context.Context, fileID int64, token string) (*models.OrderFile, io.ReadCloser, error) {
	if token == "" {
		return nil, nil, ErrTokenInvalid
	}
	t, err := s.DB.GetTokenByHash(ctx, utils.HashToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.Logger.LogSecurity("DOWNLOAD_DENIED", fmt.Sprintf("unknown token for file %d", fileID))
			return nil, nil, ErrTokenInvalid
		}
		return nil, nil, err
	}
	if t.FileID != fileID {
		s.Logger.LogSecurity("DOWNLOAD_DENIED", fmt.Sprintf("token for file %d used on file %d", t.FileID, fileID))
		return nil, nil, ErrTokenInvalid
	}
	if t.Used {
		return nil, nil, ErrTokenUsed
	}
	now := s.now()
	if !now.Before(t.ExpiresAt) {
		return nil, nil, ErrTokenExpired
	}

	f, err := s.Files.File(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.Files.Open(ctx, f)
	if err != nil {
		return nil, nil, fmt.Errorf("open file %d: %w", fileID, err)
	}

	if err := s.DB.MarkUsed(ctx, t.ID, now); err != nil {
		rc.Close()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrTokenUsed
		}
		return nil, nil, fmt.Errorf("mark token used: %w", err)
	}
	s.Logger.LogDownload("REDEEMED", fileID, f.OriginalName)
	return f, rc, nil
}

// PurgeExpired removes tokens that expired before the given time or were
// already used. With dryRun it only counts them.
func (s *Service) PurgeExpired(ctx context.Context, before time.Time, dryRun bool) (int, error) {
	if dryRun {
		return s.DB.CountPurgeable(ctx, before)
	}
	n, err := s.DB.DeletePurgeable(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge download tokens: %w", err)
	}
	s.Logger.LogDownload("PURGED", 0, fmt.Sprintf("%d tokens", n))
	return n, nil
}
