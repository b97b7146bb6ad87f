package upload_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"tabesh/internal/config"
	"tabesh/internal/database/dbtest"
	"tabesh/internal/events"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/order"
	orderdb "tabesh/internal/order/db"
	"tabesh/internal/order/pricing"
	"tabesh/internal/upload"
	uploaddb "tabesh/internal/upload/db"
	"tabesh/internal/upload/redis"
	"tabesh/internal/upload/storage"
	"tabesh/internal/utils"
)

var (
	owner    = models.Actor{UserID: "u1", Role: models.RoleCustomer}
	stranger = models.Actor{UserID: "u2", Role: models.RoleCustomer}
	staff    = models.Actor{UserID: "s1", Role: models.RoleStaff}
)

type recorder struct {
	types []string
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.types = append(r.types, e.Type)
	return nil
}

type fixture struct {
	svc    *upload.Service
	orders *order.OrderService
	store  *storage.LocalStore
	bun    *bun.DB
	events *recorder
	order  *models.Order
}

type staticSettings map[string]string

func (s staticSettings) GetInto(_ context.Context, name string, v interface{}) (bool, error) {
	raw, ok := s[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal([]byte(raw), v)
}

func newFixture(t *testing.T, settings staticSettings) *fixture {
	t.Helper()
	db := dbtest.New(t)
	orders := order.NewOrderService(orderdb.New(db), pricing.NewEngine(nil, "pricing_matrix"), events.Nop{}, logger.Nop())

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locks := redis.NewRedis(client, 10*time.Second, logger.Nop())

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	defaults := upload.RulesFromConfig(config.UploadConfig{
		TextMaxFiles: 2, TextMaxMB: 1, TextExtensions: []string{"pdf", "docx"},
		CoverMaxFiles: 1, CoverMaxMB: 1, CoverExtensions: []string{"png", "jpg"},
		DocumentsMaxFiles: 3, DocumentsMaxMB: 1, DocumentsExtensions: []string{"pdf"},
	})
	rec := &recorder{}
	svc := upload.NewService(uploaddb.New(db), store, locks, orders, upload.NewRuleSource(defaults, settings, "upload_rules"), rec, logger.Nop())
	svc.RejectedRetention = time.Hour

	o, _, err := orders.CreateOrder(context.Background(), owner, models.OrderRequest{
		BookTitle: "Atlas",
		OrderSpec: models.OrderSpec{
			BookSize: "a5", PaperType: "offset", PaperWeight: "70", PrintType: "bw",
			PageCountBW: 40, Quantity: 5, BindingType: "staple",
		},
	})
	require.NoError(t, err)

	return &fixture{svc: svc, orders: orders, store: store, bun: db, events: rec, order: o}
}

func (f *fixture) upload(t *testing.T, actor models.Actor, cat models.FileCategory, name, body string) (*models.OrderFile, error) {
	t.Helper()
	return f.svc.Upload(context.Background(), actor, upload.UploadRequest{
		OrderID:  f.order.ID,
		Category: cat,
		FileName: name,
		Size:     int64(len(body)),
		Reader:   strings.NewReader(body),
	})
}

func TestUploadStoresVersionedFile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.upload(t, owner, models.CategoryText, "Manuscript.PDF", "draft one")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, models.FilePending, first.Status)
	assert.Equal(t, "application/pdf", first.MimeType)
	assert.Equal(t, int64(9), first.SizeBytes)
	sum := sha256.Sum256([]byte("draft one"))
	assert.Equal(t, hex.EncodeToString(sum[:]), first.Checksum)
	assert.True(t, strings.HasSuffix(first.StoredName, ".pdf"))

	second, err := f.upload(t, owner, models.CategoryText, "manuscript-v2.pdf", "draft two")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	cover, err := f.upload(t, owner, models.CategoryCover, "front.png", "png")
	require.NoError(t, err)
	assert.Equal(t, 1, cover.Version, "versions are per category")

	rc, err := f.svc.Open(ctx, second)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "draft two", string(data))

	assert.Equal(t, []string{events.FileUploaded, events.FileUploaded, events.FileUploaded}, f.events.types)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.upload(t, owner, "poster", "a.pdf", "x")
	assert.ErrorIs(t, err, upload.ErrInvalidCategory)

	_, err = f.upload(t, owner, models.CategoryCover, "a.exe", "x")
	assert.ErrorIs(t, err, upload.ErrExtension)

	_, err = f.upload(t, owner, models.CategoryText, "noext", "x")
	assert.ErrorIs(t, err, upload.ErrExtension)

	_, err = f.upload(t, owner, models.CategoryText, "empty.pdf", "")
	assert.ErrorIs(t, err, upload.ErrEmptyFile)

	_, err = f.upload(t, stranger, models.CategoryText, "a.pdf", "x")
	assert.ErrorIs(t, err, utils.ErrNotFound)

	_, err = f.upload(t, models.Actor{Role: models.RoleGuest}, models.CategoryText, "a.pdf", "x")
	assert.ErrorIs(t, err, utils.ErrUnauthorized)
}

func TestUploadRejectsOversizedStream(t *testing.T) {
	f := newFixture(t, nil)

	// declared size is unknown, the stream itself is too big
	_, err := f.svc.Upload(context.Background(), owner, upload.UploadRequest{
		OrderID:  f.order.ID,
		Category: models.CategoryText,
		FileName: "big.pdf",
		Size:     -1,
		Reader:   bytes.NewReader(make([]byte, (1<<20)+10)),
	})
	assert.ErrorIs(t, err, upload.ErrTooLarge)

	files, err := f.svc.ListFiles(context.Background(), owner, f.order.ID, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestQuotaIgnoresRejectedFiles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, err := f.upload(t, owner, models.CategoryText, "a.pdf", "a")
	require.NoError(t, err)
	_, err = f.upload(t, owner, models.CategoryText, "b.pdf", "b")
	require.NoError(t, err)

	_, err = f.upload(t, owner, models.CategoryText, "c.pdf", "c")
	assert.ErrorIs(t, err, upload.ErrQuotaExceeded)

	_, err = f.svc.Reject(ctx, staff, a.ID, "blurry scan")
	require.NoError(t, err)

	c, err := f.upload(t, owner, models.CategoryText, "c.pdf", "c")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Version)
}

type watchedLocker struct {
	upload.Locker
	held bool
}

func (l *watchedLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return l.Locker.WithLock(ctx, key, func(ctx context.Context) error {
		l.held = true
		defer func() { l.held = false }()
		return fn(ctx)
	})
}

type lockAwareReader struct {
	r          io.Reader
	locks      *watchedLocker
	readLocked bool
}

func (r *lockAwareReader) Read(p []byte) (int, error) {
	if r.locks.held {
		r.readLocked = true
	}
	return r.r.Read(p)
}

func TestUploadStreamsOutsideLock(t *testing.T) {
	f := newFixture(t, nil)
	locks := &watchedLocker{Locker: f.svc.Locks}
	f.svc.Locks = locks

	body := &lockAwareReader{r: strings.NewReader("chapter one"), locks: locks}
	saved, err := f.svc.Upload(context.Background(), owner, upload.UploadRequest{
		OrderID: f.order.ID, Category: models.CategoryText, FileName: "ch1.pdf", Size: -1, Reader: body,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), saved.SizeBytes)
	assert.False(t, body.readLocked, "the body is stored before the lock is taken")
}

type fixedVersionDB struct {
	upload.DBLayer
}

func (fixedVersionDB) NextVersion(context.Context, bun.IDB, int64, models.FileCategory) (int, error) {
	return 1, nil
}

func TestUploadVersionClashIsConflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.bun.ExecContext(ctx, "CREATE UNIQUE INDEX order_files_version_uq ON order_files (order_id, category, version)")
	require.NoError(t, err)

	_, err = f.upload(t, owner, models.CategoryText, "a.pdf", "first")
	require.NoError(t, err)

	f.svc.DB = fixedVersionDB{DBLayer: f.svc.DB}
	_, err = f.upload(t, owner, models.CategoryText, "b.pdf", "second")
	assert.ErrorIs(t, err, upload.ErrVersionConflict)
	assert.ErrorIs(t, err, utils.ErrConflict)

	var paths []string
	require.NoError(t, filepath.WalkDir(f.store.Root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			paths = append(paths, path)
		}
		return err
	}))
	assert.Len(t, paths, 1, "the clashing blob is removed")
}

func TestStoredRulesOverrideDefaults(t *testing.T) {
	f := newFixture(t, staticSettings{
		"upload_rules": `{"cover":{"max_files":1,"max_bytes":4,"extensions":["tif"]}}`,
	})

	_, err := f.upload(t, owner, models.CategoryCover, "front.png", "png")
	assert.ErrorIs(t, err, upload.ErrExtension)

	_, err = f.upload(t, owner, models.CategoryCover, "front.tif", "tiff-data")
	assert.ErrorIs(t, err, upload.ErrTooLarge)

	_, err = f.upload(t, owner, models.CategoryText, "a.pdf", "text")
	assert.NoError(t, err, "other categories keep their defaults")
}

func TestReviewFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	file, err := f.upload(t, owner, models.CategoryText, "a.pdf", "a")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, owner, file.ID)
	assert.ErrorIs(t, err, upload.ErrForbidden)

	_, err = f.svc.Reject(ctx, staff, file.ID, "  ")
	assert.ErrorIs(t, err, upload.ErrReasonRequired)

	approved, err := f.svc.Approve(ctx, staff, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileApproved, approved.Status)
	assert.Equal(t, "s1", approved.ReviewedBy)
	assert.True(t, approved.ExpiresAt.IsZero())

	_, err = f.svc.Reject(ctx, staff, file.ID, "late")
	assert.ErrorIs(t, err, upload.ErrNotPending)

	other, err := f.upload(t, owner, models.CategoryText, "b.pdf", "b")
	require.NoError(t, err)
	rejected, err := f.svc.Reject(ctx, staff, other.ID, "wrong trim size")
	require.NoError(t, err)
	assert.Equal(t, "wrong trim size", rejected.RejectionReason)
	assert.WithinDuration(t, time.Now().Add(time.Hour), rejected.ExpiresAt, time.Minute)

	expired, err := f.svc.ExpiredFiles(ctx, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, other.ID, expired[0].ID)

	_, err = f.svc.Approve(ctx, staff, 9999)
	assert.ErrorIs(t, err, upload.ErrNotFound)
}

func TestListAndLatest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.upload(t, owner, models.CategoryText, "a.pdf", "a")
	require.NoError(t, err)
	_, err = f.upload(t, owner, models.CategoryText, "b.pdf", "b")
	require.NoError(t, err)
	_, err = f.upload(t, owner, models.CategoryCover, "c.png", "c")
	require.NoError(t, err)

	files, err := f.svc.ListFiles(ctx, owner, f.order.ID, "")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, models.CategoryCover, files[0].Category)
	assert.Equal(t, 2, files[1].Version)

	text, err := f.svc.ListFiles(ctx, owner, f.order.ID, models.CategoryText)
	require.NoError(t, err)
	assert.Len(t, text, 2)

	latest, err := f.svc.LatestFiles(ctx, owner, f.order.ID)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "b.pdf", latest[1].OriginalName)

	_, err = f.svc.ListFiles(ctx, stranger, f.order.ID, "")
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestDeleteFile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	file, err := f.upload(t, owner, models.CategoryText, "a.pdf", "a")
	require.NoError(t, err)
	_, err = f.bun.NewInsert().Model(&models.DownloadToken{
		FileID: file.ID, TokenHash: "h1", ExpiresAt: time.Now().UTC().Add(time.Hour),
	}).Exec(ctx)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, staff, file.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.DeleteFile(ctx, owner, file.ID), upload.ErrReviewedReadOnly)
	assert.ErrorIs(t, f.svc.DeleteFile(ctx, stranger, file.ID), upload.ErrNotFound)

	require.NoError(t, f.svc.DeleteFile(ctx, staff, file.ID))
	_, err = f.store.Open(ctx, file.StoragePath)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	n, err := f.bun.NewSelect().Model((*models.DownloadToken)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "tokens go with the file")
}

func TestDeleteOrderFilesAndOrphans(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, name := range []string{"a.pdf", "b.pdf"} {
		_, err := f.upload(t, owner, models.CategoryText, name, name)
		require.NoError(t, err)
	}

	orphan := &models.OrderFile{
		OrderID: 777, UserID: "u1", Category: models.CategoryText, Version: 1,
		OriginalName: "x.pdf", StoredName: "x.pdf", StoragePath: "orders/777/text/x.pdf", Status: models.FilePending,
	}
	_, err := f.bun.NewInsert().Model(orphan).Exec(ctx)
	require.NoError(t, err)

	orphans, err := f.svc.OrphanFiles(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, int64(777), orphans[0].OrderID)

	n, err := f.svc.DeleteOrderFiles(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	files, err := f.svc.ListFiles(ctx, owner, f.order.ID, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}
