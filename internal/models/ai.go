package models

import (
	"time"

	"github.com/uptrace/bun"
)

type BehaviorEvent struct {
	bun.BaseModel `bun:"table:ai_behavior,alias:ab"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	UserID    string    `bun:"user_id" json:"user_id,omitempty"`
	GuestID   string    `bun:"guest_id" json:"guest_id,omitempty"`
	EventType string    `bun:"event_type,notnull" json:"event_type"`
	PageURL   string    `bun:"page_url" json:"page_url,omitempty"`
	Payload   string    `bun:"payload" json:"payload,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

type Profile struct {
	bun.BaseModel `bun:"table:ai_profiles,alias:ap"`

	ID              int64          `bun:"id,pk,autoincrement" json:"id"`
	OwnerKey        string         `bun:"owner_key,unique,notnull" json:"owner_key"`
	Profession      string         `bun:"profession" json:"profession"`
	Intent          string         `bun:"intent" json:"intent"`
	ExperienceLevel string         `bun:"experience_level" json:"experience_level"`
	Scores          map[string]int `bun:"scores,type:text" json:"scores"`
	EventCount      int            `bun:"event_count" json:"event_count"`
	UpdatedAt       time.Time      `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

type ChatMessage struct {
	bun.BaseModel `bun:"table:ai_messages,alias:am"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	OwnerKey  string    `bun:"owner_key,notnull" json:"owner_key"`
	Role      string    `bun:"role,notnull" json:"role"`
	Content   string    `bun:"content,notnull" json:"content"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
