// Package dataio moves the whole dataset in and out as a versioned JSON
// envelope, optionally zipped together with the uploaded files.
package dataio

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"tabesh/internal/models"
	"tabesh/internal/upload/storage"
	"tabesh/internal/utils"
)

const (
	// FormatVersion is written into every export.
	FormatVersion = "1.0.0"
	// MinVersion is the oldest envelope Import accepts.
	MinVersion = "1.0.0"

	DataFile    = "data.json"
	FilesPrefix = "files/"
)

var (
	ErrMalformed          = fmt.Errorf("%w: malformed export", utils.ErrValidation)
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported export version", utils.ErrValidation)
	ErrUnsafePath         = fmt.Errorf("%w: unsafe path in archive", utils.ErrValidation)
)

type Envelope struct {
	Version    string                 `json:"version"`
	ExportedAt time.Time              `json:"exported_at"`
	Orders     []models.Order         `json:"orders"`
	OrderLogs  []models.OrderLog      `json:"order_logs"`
	Files      []models.OrderFile     `json:"files"`
	Settings   []models.Setting       `json:"settings"`
	AIProfiles []models.Profile       `json:"ai_profiles,omitempty"`
	AIBehavior []models.BehaviorEvent `json:"ai_behavior,omitempty"`
}

// Counts reports how many rows of each kind an export wrote or an import
// inserted.
type Counts struct {
	Orders       int `json:"orders"`
	OrderLogs    int `json:"order_logs"`
	Files        int `json:"files"`
	Blobs        int `json:"blobs"`
	MissingBlobs int `json:"missing_blobs,omitempty"`
	Settings     int `json:"settings"`
	AIProfiles   int `json:"ai_profiles"`
	AIBehavior   int `json:"ai_behavior"`
	Skipped      int `json:"skipped,omitempty"`
}

func decodeEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Check(); err != nil {
		return nil, err
	}
	return &env, nil
}

// CheckVersion accepts any semantic version from MinVersion up to, but not
// including, the next major version.
func CheckVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: version is missing", ErrMalformed)
	}
	sv := "v" + strings.TrimPrefix(v, "v")
	if !semver.IsValid(sv) {
		return fmt.Errorf("%w: version %q is not a semantic version", ErrMalformed, v)
	}
	if semver.Compare(sv, "v"+MinVersion) < 0 {
		return fmt.Errorf("%w: %s is older than %s", ErrUnsupportedVersion, v, MinVersion)
	}
	if semver.Major(sv) != semver.Major("v"+FormatVersion) {
		return fmt.Errorf("%w: %s is newer than this server understands", ErrUnsupportedVersion, v)
	}
	return nil
}

// Check validates the envelope before anything is written.
func (e *Envelope) Check() error {
	if err := CheckVersion(e.Version); err != nil {
		return err
	}

	orders := make(map[int64]bool, len(e.Orders))
	numbers := make(map[string]bool, len(e.Orders))
	for i, o := range e.Orders {
		switch {
		case o.ID <= 0:
			return fmt.Errorf("%w: orders[%d] has no id", ErrMalformed, i)
		case o.OrderNumber == "":
			return fmt.Errorf("%w: orders[%d] has no order_number", ErrMalformed, i)
		case !o.Status.Valid():
			return fmt.Errorf("%w: orders[%d] has status %q", ErrMalformed, i, o.Status)
		case orders[o.ID] || numbers[o.OrderNumber]:
			return fmt.Errorf("%w: orders[%d] is a duplicate", ErrMalformed, i)
		}
		orders[o.ID] = true
		numbers[o.OrderNumber] = true
	}
	for i, l := range e.OrderLogs {
		if !orders[l.OrderID] {
			return fmt.Errorf("%w: order_logs[%d] points at unknown order %d", ErrMalformed, i, l.OrderID)
		}
	}
	for i, f := range e.Files {
		if !orders[f.OrderID] {
			return fmt.Errorf("%w: files[%d] points at unknown order %d", ErrMalformed, i, f.OrderID)
		}
		if !f.Category.Valid() {
			return fmt.Errorf("%w: files[%d] has category %q", ErrMalformed, i, f.Category)
		}
		if _, err := storage.CleanKey(f.StoragePath); err != nil {
			return fmt.Errorf("%w: files[%d] storage_path %q", ErrUnsafePath, i, f.StoragePath)
		}
	}
	for i, s := range e.Settings {
		if s.Name == "" || !json.Valid([]byte(s.Value)) {
			return fmt.Errorf("%w: settings[%d] needs a name and a JSON value", ErrMalformed, i)
		}
	}
	for i, p := range e.AIProfiles {
		if p.OwnerKey == "" {
			return fmt.Errorf("%w: ai_profiles[%d] has no owner_key", ErrMalformed, i)
		}
	}
	return nil
}
