package ai

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/uptrace/bun"

	"tabesh/internal/ai/provider"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/utils"
)

var (
	ErrAIDisabled       = fmt.Errorf("%w: the assistant is disabled", utils.ErrUnavailable)
	ErrRateLimited      = fmt.Errorf("%w: too many messages, try again later", utils.ErrRateLimited)
	ErrInvalidEventType = fmt.Errorf("%w: unknown event type", utils.ErrValidation)
	ErrEmptyMessage     = fmt.Errorf("%w: message is empty", utils.ErrValidation)
	ErrMessageTooLong   = fmt.Errorf("%w: message is too long", utils.ErrValidation)
)

const (
	maxMessageRunes = 2000
	maxPayloadBytes = 4096
	// profiles are inferred from at most this many recent events
	profileWindow = 200
)

type DBLayer interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error
	InsertEvent(ctx context.Context, e *models.BehaviorEvent) error
	CountEvents(ctx context.Context, userID, guestID string) (int, error)
	RecentEvents(ctx context.Context, userID, guestID string, limit int) ([]models.BehaviorEvent, error)
	GetProfile(ctx context.Context, owner string) (*models.Profile, error)
	UpsertProfile(ctx context.Context, idb bun.IDB, p *models.Profile) error
	InsertMessages(ctx context.Context, idb bun.IDB, msgs ...*models.ChatMessage) error
	RecentMessages(ctx context.Context, owner string, limit int) ([]models.ChatMessage, error)
	MergeGuest(ctx context.Context, tx bun.Tx, userID, guestID string) (int, error)
	CountEventsBefore(ctx context.Context, before time.Time) (int, error)
	DeleteEventsBefore(ctx context.Context, before time.Time) (int, error)
}

// OrderHistory gives the assistant context about a user's orders.
type OrderHistory interface {
	CountOrders(ctx context.Context, userID string) (int, error)
	RecentOrders(ctx context.Context, userID string, limit int) ([]models.Order, error)
}

type Cache interface {
	Get(ctx context.Context, owner string) (*models.Profile, error)
	Set(ctx context.Context, p *models.Profile) error
	Delete(ctx context.Context, owners ...string) error
}

type Limiter interface {
	Allow(ctx context.Context, owner string) (bool, time.Duration, error)
}

type Options struct {
	Enabled      bool
	HistoryLimit int
	RefreshEvery int
	Timeout      time.Duration
}

type TrackRequest struct {
	EventType string          `json:"event_type" validate:"required"`
	PageURL   string          `json:"page_url" validate:"max=2048"`
	Payload   json.RawMessage `json:"payload"`
}

type QueryRequest struct {
	Message string `json:"message" validate:"required"`
	PageURL string `json:"page_url" validate:"max=2048"`
}

type QueryResponse struct {
	Reply   string  `json:"reply"`
	Persona Persona `json:"persona"`
}

type Service struct {
	DB       DBLayer
	Cache    Cache
	Limiter  Limiter
	Provider provider.Provider
	Orders   OrderHistory
	Logger   *logger.Logger
	Opts     Options
	now      func() time.Time
}

func NewService(db DBLayer, cache Cache, limiter Limiter, p provider.Provider, orders OrderHistory, opts Options, log *logger.Logger) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.RefreshEvery <= 0 {
		opts.RefreshEvery = 5
	}
	return &Service{
		DB:       db,
		Cache:    cache,
		Limiter:  limiter,
		Provider: p,
		Orders:   orders,
		Logger:   log,
		Opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ---------------- TRACKING ----------------

// Track stores a behavior event and refreshes the profile every
// RefreshEvery events, or when none exists yet.
func (s *Service) Track(ctx context.Context, id Identity, req TrackRequest) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if !ValidEventType(req.EventType) {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, req.EventType)
	}
	payload := ""
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		if !json.Valid(req.Payload) {
			return fmt.Errorf("%w: payload must be JSON", utils.ErrValidation)
		}
		if len(req.Payload) > maxPayloadBytes {
			return fmt.Errorf("%w: payload is larger than %d bytes", utils.ErrTooLarge, maxPayloadBytes)
		}
		payload = string(req.Payload)
	}

	e := &models.BehaviorEvent{
		UserID:    id.UserID,
		EventType: req.EventType,
		PageURL:   req.PageURL,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	if id.UserID == "" {
		e.GuestID = id.GuestID
	}
	if err := s.DB.InsertEvent(ctx, e); err != nil {
		return fmt.Errorf("store behavior: %w", err)
	}

	count, err := s.DB.CountEvents(ctx, id.UserID, e.GuestID)
	if err != nil {
		return fmt.Errorf("count behavior: %w", err)
	}
	if count%s.Opts.RefreshEvery == 0 || count == 1 {
		if _, err := s.RefreshProfile(ctx, id); err != nil {
			s.Logger.Warn("AI", fmt.Sprintf("Profile refresh for %s failed: %v", id.OwnerKey(), err))
		}
	}
	return nil
}

// RefreshProfile recomputes and stores the persona from recent events.
func (s *Service) RefreshProfile(ctx context.Context, id Identity) (*models.Profile, error) {
	guestID := ""
	if id.UserID == "" {
		guestID = id.GuestID
	}
	events, err := s.DB.RecentEvents(ctx, id.UserID, guestID, profileWindow)
	if err != nil {
		return nil, fmt.Errorf("load behavior: %w", err)
	}
	orderCount := 0
	if id.UserID != "" && s.Orders != nil {
		if orderCount, err = s.Orders.CountOrders(ctx, id.UserID); err != nil {
			return nil, fmt.Errorf("count orders: %w", err)
		}
	}

	persona := InferPersona(events, orderCount)
	p := &models.Profile{
		OwnerKey:        id.OwnerKey(),
		Profession:      persona.Profession,
		Intent:          persona.Intent,
		ExperienceLevel: persona.ExperienceLevel,
		Scores:          persona.Scores,
		EventCount:      len(events),
		UpdatedAt:       s.now(),
	}
	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return s.DB.UpsertProfile(ctx, tx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	if s.Cache != nil {
		if err := s.Cache.Set(ctx, p); err != nil {
			s.Logger.Warn("AI", fmt.Sprintf("Profile cache write failed: %v", err))
		}
	}
	s.Logger.LogAI("PROFILE", p.OwnerKey, persona.Summary())
	return p, nil
}

// ---------------- PROFILE ----------------

// Profile reads through the cache, then the database, and infers a fresh
// profile when neither has one.
func (s *Service) Profile(ctx context.Context, id Identity) (*models.Profile, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	owner := id.OwnerKey()
	if s.Cache != nil {
		p, err := s.Cache.Get(ctx, owner)
		if err != nil {
			s.Logger.Warn("AI", fmt.Sprintf("Profile cache read failed: %v", err))
		} else if p != nil {
			return p, nil
		}
	}

	p, err := s.DB.GetProfile(ctx, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return s.RefreshProfile(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		if err := s.Cache.Set(ctx, p); err != nil {
			s.Logger.Warn("AI", fmt.Sprintf("Profile cache write failed: %v", err))
		}
	}
	return p, nil
}

// MergeGuest hands a guest's history to the user who just signed in.
func (s *Service) MergeGuest(ctx context.Context, userID, guestID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: sign in required", utils.ErrUnauthorized)
	}
	guest := Identity{GuestID: guestID}
	if err := guest.Validate(); err != nil {
		return 0, err
	}

	var moved int
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		moved, err = s.DB.MergeGuest(ctx, tx, userID, guestID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("merge guest %s: %w", guestID, err)
	}
	if s.Cache != nil {
		if err := s.Cache.Delete(ctx, guest.OwnerKey()); err != nil {
			s.Logger.Warn("AI", fmt.Sprintf("Profile cache delete failed: %v", err))
		}
	}
	if _, err := s.RefreshProfile(ctx, Identity{UserID: userID}); err != nil {
		return moved, err
	}
	s.Logger.LogAI("MERGE", "user:"+userID, fmt.Sprintf("moved %d events from guest %s", moved, guestID))
	return moved, nil
}

// ---------------- CHAT ----------------

func (s *Service) Query(ctx context.Context, id Identity, req QueryRequest) (*QueryResponse, error) {
	if !s.Opts.Enabled || s.Provider == nil {
		return nil, ErrAIDisabled
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(msg) > maxMessageRunes {
		return nil, ErrMessageTooLong
	}
	owner := id.OwnerKey()

	if s.Limiter != nil {
		ok, retry, err := s.Limiter.Allow(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		if !ok {
			s.Logger.LogSecurity("AI_RATE_LIMIT", fmt.Sprintf("%s blocked for %s", owner, retry.Round(time.Second)))
			return nil, ErrRateLimited
		}
	}

	profile, err := s.Profile(ctx, id)
	if err != nil {
		return nil, err
	}
	persona := Persona{
		Profession:      profile.Profession,
		Intent:          profile.Intent,
		ExperienceLevel: profile.ExperienceLevel,
		Scores:          profile.Scores,
	}

	var orders []models.Order
	if id.UserID != "" && s.Orders != nil {
		if orders, err = s.Orders.RecentOrders(ctx, id.UserID, 3); err != nil {
			return nil, fmt.Errorf("load recent orders: %w", err)
		}
	}
	history, err := s.DB.RecentMessages(ctx, owner, s.Opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}

	prompt := BuildPrompt(persona, orders, history, msg, req.PageURL)
	callCtx := ctx
	if s.Opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.Opts.Timeout)
		defer cancel()
	}
	started := s.now()
	reply, err := s.Provider.Complete(callCtx, prompt)
	if err != nil {
		s.Logger.Error("AI", fmt.Sprintf("Completion for %s failed: %v", owner, err))
		return nil, fmt.Errorf("%w: the assistant could not answer", utils.ErrUnavailable)
	}
	s.Logger.LogAI("QUERY", owner, fmt.Sprintf("answered in %s", time.Since(started).Round(time.Millisecond)))

	now := s.now()
	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return s.DB.InsertMessages(ctx, tx,
			&models.ChatMessage{OwnerKey: owner, Role: provider.RoleUser, Content: msg, CreatedAt: now},
			&models.ChatMessage{OwnerKey: owner, Role: provider.RoleAssistant, Content: reply, CreatedAt: now.Add(time.Millisecond)},
		)
	})
	if err != nil {
		return nil, fmt.Errorf("save chat: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"message": msg})
	if err := s.Track(ctx, id, TrackRequest{EventType: EventChatMessage, PageURL: req.PageURL, Payload: payload}); err != nil {
		s.Logger.Warn("AI", fmt.Sprintf("Tracking chat for %s failed: %v", owner, err))
	}
	return &QueryResponse{Reply: reply, Persona: persona}, nil
}

// ---------------- RETENTION ----------------

// PurgeBehavior removes behavior events older than before.
func (s *Service) PurgeBehavior(ctx context.Context, before time.Time, dryRun bool) (int, error) {
	if dryRun {
		return s.DB.CountEventsBefore(ctx, before)
	}
	return s.DB.DeleteEventsBefore(ctx, before)
}
