package ai

import (
	"fmt"

	"github.com/google/uuid"

	"tabesh/internal/utils"
)

const (
	EventPageView        = "page_view"
	EventSearch          = "search"
	EventFormInteraction = "form_interaction"
	EventQuoteRequest    = "quote_request"
	EventFileUpload      = "file_upload"
	EventOrderSubmit     = "order_submit"
	EventChatMessage     = "chat_message"
)

var EventTypes = []string{
	EventPageView, EventSearch, EventFormInteraction, EventQuoteRequest,
	EventFileUpload, EventOrderSubmit, EventChatMessage,
}

func ValidEventType(t string) bool {
	for _, v := range EventTypes {
		if v == t {
			return true
		}
	}
	return false
}

var ErrNoIdentity = fmt.Errorf("%w: a signed-in user or a guest id is required", utils.ErrValidation)

// Identity is whoever the assistant talks to: a signed-in user, or a
// browser carrying a guest UUID.
type Identity struct {
	UserID  string
	GuestID string
}

func (i Identity) Validate() error {
	if i.UserID != "" {
		return nil
	}
	if _, err := uuid.Parse(i.GuestID); err != nil {
		return ErrNoIdentity
	}
	return nil
}

// OwnerKey is the stable key profiles and messages are stored under.
func (i Identity) OwnerKey() string {
	if i.UserID != "" {
		return "user:" + i.UserID
	}
	return "guest:" + i.GuestID
}
