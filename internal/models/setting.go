package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Setting stores one named JSON document. Value is kept as text so every
// dialect stores it the same way.
type Setting struct {
	bun.BaseModel `bun:"table:settings,alias:s"`

	Name      string    `bun:"name,pk"`
	Value     string    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

type settingJSON struct {
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s Setting) MarshalJSON() ([]byte, error) {
	v := json.RawMessage(s.Value)
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	return json.Marshal(settingJSON{Name: s.Name, Value: v, UpdatedAt: s.UpdatedAt})
}

func (s *Setting) UnmarshalJSON(b []byte) error {
	var aux settingJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	s.Name = aux.Name
	s.Value = string(aux.Value)
	s.UpdatedAt = aux.UpdatedAt
	return nil
}
