package db

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"tabesh/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func New(db *bun.DB) *DB {
	return &DB{Bun: db}
}

func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.Bun.RunInTx(ctx, nil, fn)
}

// ownerWhere selects behavior rows for a user or a guest.
func ownerWhere(q *bun.SelectQuery, userID, guestID string) *bun.SelectQuery {
	if userID != "" {
		return q.Where("ab.user_id = ?", userID)
	}
	return q.Where("ab.guest_id = ?", guestID)
}

// ---------------- BEHAVIOR ----------------

func (d *DB) InsertEvent(ctx context.Context, e *models.BehaviorEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := d.Bun.NewInsert().Model(e).Exec(ctx)
	return err
}

func (d *DB) CountEvents(ctx context.Context, userID, guestID string) (int, error) {
	return ownerWhere(d.Bun.NewSelect().Model((*models.BehaviorEvent)(nil)), userID, guestID).Count(ctx)
}

// RecentEvents returns up to limit events, newest first.
func (d *DB) RecentEvents(ctx context.Context, userID, guestID string, limit int) ([]models.BehaviorEvent, error) {
	var events []models.BehaviorEvent
	err := ownerWhere(d.Bun.NewSelect().Model(&events), userID, guestID).
		Order("ab.created_at DESC", "ab.id DESC").
		Limit(limit).
		Scan(ctx)
	return events, err
}

func (d *DB) CountEventsBefore(ctx context.Context, before time.Time) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.BehaviorEvent)(nil)).
		Where("ab.created_at < ?", before).
		Count(ctx)
}

func (d *DB) DeleteEventsBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := d.Bun.NewDelete().
		Model((*models.BehaviorEvent)(nil)).
		Where("created_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---------------- PROFILES ----------------

func (d *DB) GetProfile(ctx context.Context, owner string) (*models.Profile, error) {
	p := new(models.Profile)
	if err := d.Bun.NewSelect().Model(p).Where("ap.owner_key = ?", owner).Scan(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertProfile inserts or replaces the profile for p.OwnerKey.
func (d *DB) UpsertProfile(ctx context.Context, idb bun.IDB, p *models.Profile) error {
	q := idb.NewInsert().Model(p)
	if idb.Dialect().Name() == dialect.MySQL {
		q = q.On("DUPLICATE KEY UPDATE")
	} else {
		q = q.On("CONFLICT (owner_key) DO UPDATE")
	}
	for _, col := range []string{"profession", "intent", "experience_level", "scores", "event_count", "updated_at"} {
		if idb.Dialect().Name() == dialect.MySQL {
			q = q.Set(col + " = VALUES(" + col + ")")
		} else {
			q = q.Set(col + " = EXCLUDED." + col)
		}
	}
	_, err := q.Exec(ctx)
	return err
}

func (d *DB) DeleteProfile(ctx context.Context, idb bun.IDB, owner string) error {
	_, err := idb.NewDelete().Model((*models.Profile)(nil)).Where("owner_key = ?", owner).Exec(ctx)
	return err
}

// ---------------- MESSAGES ----------------

func (d *DB) InsertMessages(ctx context.Context, idb bun.IDB, msgs ...*models.ChatMessage) error {
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if _, err := idb.NewInsert().Model(m).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RecentMessages returns the last limit messages in chronological order.
func (d *DB) RecentMessages(ctx context.Context, owner string, limit int) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := d.Bun.NewSelect().
		Model(&msgs).
		Where("am.owner_key = ?", owner).
		Order("am.created_at DESC", "am.id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ---------------- MERGE ----------------

// MergeGuest moves a guest's behavior and chat history to a user and drops
// the guest profile.
func (d *DB) MergeGuest(ctx context.Context, tx bun.Tx, userID, guestID string) (int, error) {
	res, err := tx.NewUpdate().
		Model((*models.BehaviorEvent)(nil)).
		Set("user_id = ?", userID).
		Set("guest_id = ?", "").
		Where("guest_id = ?", guestID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	moved, _ := res.RowsAffected()

	if _, err := tx.NewUpdate().
		Model((*models.ChatMessage)(nil)).
		Set("owner_key = ?", "user:"+userID).
		Where("owner_key = ?", "guest:"+guestID).
		Exec(ctx); err != nil {
		return 0, err
	}
	if err := d.DeleteProfile(ctx, tx, "guest:"+guestID); err != nil {
		return 0, err
	}
	return int(moved), nil
}
