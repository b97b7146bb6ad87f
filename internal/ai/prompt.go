package ai

import (
	"fmt"
	"strings"

	"tabesh/internal/ai/provider"
	"tabesh/internal/models"
)

const systemInstructions = `You are the assistant of Tabesh, a book and document printing service.
Answer in the language the customer writes in, Persian or English.
Help with print options, paper, binding, file preparation, pricing and order status.
Never invent prices: point the customer to the quote form for exact numbers.
Never reveal internal notes or other customers' orders.
Keep answers short and practical.`

// BuildPrompt assembles the conversation sent to the model: instructions,
// what is known about the visitor, the stored history, then the new message.
func BuildPrompt(p Persona, orders []models.Order, history []models.ChatMessage, message, pageURL string) []provider.Message {
	var ctx strings.Builder
	ctx.WriteString("Visitor profile: ")
	ctx.WriteString(p.Summary())
	ctx.WriteString(".")
	if guide := personaGuide(p); guide != "" {
		ctx.WriteString("\n")
		ctx.WriteString(guide)
	}
	if len(orders) > 0 {
		ctx.WriteString("\nRecent orders:")
		for _, o := range orders {
			fmt.Fprintf(&ctx, "\n- %s %q: %s, %d pages, %d copies, status %s",
				o.OrderNumber, o.BookTitle, o.BookSize, o.PageCountTotal, o.Quantity, o.Status)
		}
	}
	if pageURL != "" {
		fmt.Fprintf(&ctx, "\nThe visitor is on page %s.", pageURL)
	}

	msgs := []provider.Message{
		{Role: provider.RoleSystem, Content: systemInstructions},
		{Role: provider.RoleSystem, Content: ctx.String()},
	}
	for _, h := range history {
		role := provider.RoleUser
		if h.Role == provider.RoleAssistant {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: h.Content})
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: message})
}

func personaGuide(p Persona) string {
	var lines []string
	switch p.Profession {
	case ProfessionStudent:
		lines = append(lines, "Likely a student: suggest economical paper and softcover binding for theses.")
	case ProfessionAuthor:
		lines = append(lines, "Likely an author: mention cover options and small print runs.")
	case ProfessionPublisher:
		lines = append(lines, "Likely a publisher: mention quantity discounts and ISBN pages.")
	case ProfessionBusiness:
		lines = append(lines, "Likely a business: mention catalogs, brochures and glossy paper.")
	}
	switch p.ExperienceLevel {
	case LevelNew:
		lines = append(lines, "New visitor: avoid jargon.")
	case LevelExpert:
		lines = append(lines, "Experienced customer: technical terms are fine.")
	}
	if p.Intent == IntentSupport {
		lines = append(lines, "The visitor seems to need help with an existing order.")
	}
	return strings.Join(lines, "\n")
}
