package ai

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"tabesh/internal/models"
)

const (
	ProfessionStudent   = "student"
	ProfessionAuthor    = "author"
	ProfessionPublisher = "publisher"
	ProfessionBusiness  = "business"
	ProfessionUnknown   = "unknown"

	IntentOrder   = "order"
	IntentQuote   = "quote"
	IntentBrowse  = "browse"
	IntentSupport = "support"

	LevelNew       = "new"
	LevelReturning = "returning"
	LevelExpert    = "expert"
)

// Persona is the inferred profile of a visitor.
type Persona struct {
	Profession      string         `json:"profession"`
	Intent          string         `json:"intent"`
	ExperienceLevel string         `json:"experience_level"`
	Scores          map[string]int `json:"scores"`
}

// Keywords are matched against normalized page URLs, payloads and chat
// text. Persian entries are written in their normalized form.
var professionKeywords = map[string][]string{
	ProfessionStudent: {
		"thesis", "dissertation", "university", "student", "term paper", "article",
		"پایان نامه", "رساله", "دانشجو", "دانشگاه", "مقاله", "جزوه",
	},
	ProfessionAuthor: {
		"novel", "poetry", "poem", "memoir", "manuscript", "my book", "author",
		"رمان", "شعر", "نویسنده", "داستان", "خاطرات", "دست نوشته",
	},
	ProfessionPublisher: {
		"isbn", "publisher", "publishing", "edition", "imprint", "bulk",
		"ناشر", "انتشارات", "شابک", "چاپ مجدد", "تیراژ",
	},
	ProfessionBusiness: {
		"company", "brochure", "catalog", "catalogue", "invoice", "brand", "corporate",
		"شرکت", "کاتالوگ", "بروشور", "تبلیغات", "سازمان",
	},
}

var supportKeywords = []string{
	"problem", "issue", "help", "where is my", "status", "track", "refund", "delay",
	"مشکل", "پیگیری", "کمک", "تاخیر", "وضعیت", "خراب",
}

var technicalKeywords = []string{
	"cmyk", "bleed", "dpi", "pantone", "gsm", "imposition", "spot uv", "icc",
	"برش", "رزولوشن", "گرماژ", "صحافی", "لب گرد",
}

// Normalize folds text for keyword matching: Unicode NFKC, lower case,
// Arabic letter variants mapped to Persian, ZWNJ and punctuation to spaces.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	s = persianFold.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

var persianFold = strings.NewReplacer(
	"ي", "ی", "ى", "ی", "ك", "ک", "ة", "ه", "ۀ", "ه", "أ", "ا", "إ", "ا",
	"\u200c", " ", "-", " ", "_", " ", "/", " ", "?", " ", "=", " ", "&", " ",
	"+", " ", ".", " ", ",", " ", "،", " ", "\"", " ", ":", " ",
)

func countHits(text string, keywords []string) int {
	hits := 0
	for _, k := range keywords {
		hits += strings.Count(text, k)
	}
	return hits
}

// InferPersona scores behavior events. It is deterministic: the same
// events and order count always give the same persona.
func InferPersona(events []models.BehaviorEvent, orderCount int) Persona {
	scores := make(map[string]int)
	intent := map[string]int{}
	technical := 0

	for _, e := range events {
		text := Normalize(e.PageURL + " " + e.Payload)
		for profession, words := range professionKeywords {
			if n := countHits(text, words); n > 0 {
				scores[profession] += n
			}
		}
		technical += countHits(text, technicalKeywords)

		switch e.EventType {
		case EventOrderSubmit:
			intent[IntentOrder] += 3
		case EventFileUpload:
			intent[IntentOrder] += 2
		case EventQuoteRequest:
			intent[IntentQuote] += 2
		case EventFormInteraction:
			intent[IntentQuote]++
		case EventPageView, EventSearch:
			intent[IntentBrowse]++
		case EventChatMessage:
			intent[IntentSupport] += 2 * countHits(text, supportKeywords)
		}
	}

	p := Persona{
		Profession:      best(scores, []string{ProfessionPublisher, ProfessionBusiness, ProfessionAuthor, ProfessionStudent}, ProfessionUnknown),
		Intent:          best(intent, []string{IntentOrder, IntentQuote, IntentSupport, IntentBrowse}, IntentBrowse),
		ExperienceLevel: LevelNew,
		Scores:          scores,
	}
	switch {
	case orderCount >= 5 || (orderCount >= 1 && technical >= 3):
		p.ExperienceLevel = LevelExpert
	case orderCount >= 1:
		p.ExperienceLevel = LevelReturning
	}
	for k, v := range intent {
		p.Scores["intent:"+k] = v
	}
	p.Scores["technical"] = technical
	return p
}

// best returns the highest scoring key; ties go to the earlier entry in
// order. Nothing above zero yields fallback.
func best(scores map[string]int, order []string, fallback string) string {
	winner, top := fallback, 0
	for _, k := range order {
		if scores[k] > top {
			winner, top = k, scores[k]
		}
	}
	return winner
}

// Summary renders the persona for the assistant's system prompt.
func (p Persona) Summary() string {
	return fmt.Sprintf("profession=%s, intent=%s, experience=%s", p.Profession, p.Intent, p.ExperienceLevel)
}
