// Package classifier maps a raw item to its priority, category and suggested
// action using the keyword and extension tables from configuration. It is
// pure: the same item and tables always produce the same result.
package classifier

import (
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"github.com/fentz26/taskvault/internal/config"
	"github.com/fentz26/taskvault/internal/models"
)

// DefaultCategory is used when no rule or extension matches.
const DefaultCategory = "general"

// DefaultAction is used when the action table has no entry for a category.
const DefaultAction = "review_file"

// Item is the classifier input: the file name and a content preview.
type Item struct {
	Name    string
	Content string
}

// Result is the classifier output.
type Result struct {
	Priority        models.Priority
	Category        string
	SuggestedAction string
	// FileType is the extension-derived type, empty when unknown.
	FileType string
	// Matched lists the keywords that decided priority and category.
	Matched []string
}

// Classifier holds the rule tables.
type Classifier struct {
	cfg config.ClassifierConfig
}

// New creates a classifier over the given tables.
func New(cfg config.ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify derives priority, category and suggested action for an item.
func (c *Classifier) Classify(item Item) Result {
	tokens := tokenize(strings.ToLower(item.Name + " " + item.Content))

	var res Result
	res.Priority, res.Matched = c.priority(tokens)

	ext := strings.ToLower(filepath.Ext(item.Name))
	res.FileType = c.cfg.Extensions[ext]

	res.Category = ""
	for _, rule := range c.cfg.Categories {
		if kw, ok := matchAny(tokens, rule.Keywords); ok {
			res.Category = rule.Category
			res.Matched = append(res.Matched, kw)
			break
		}
	}
	if res.Category == "" {
		res.Category = res.FileType
	}
	if res.Category == "" {
		res.Category = DefaultCategory
	}

	res.SuggestedAction = c.cfg.Actions[res.Category]
	if res.SuggestedAction == "" {
		res.SuggestedAction = c.cfg.Actions[DefaultCategory]
	}
	if res.SuggestedAction == "" {
		res.SuggestedAction = DefaultAction
	}
	return res
}

// priority checks the keyword sets from most to least urgent, so an item
// matching both a high and a low keyword is high.
func (c *Classifier) priority(tokens []string) (models.Priority, []string) {
	sets := []struct {
		p        models.Priority
		keywords []string
	}{
		{models.PriorityHigh, c.cfg.Priority.High},
		{models.PriorityMedium, c.cfg.Priority.Medium},
		{models.PriorityLow, c.cfg.Priority.Low},
	}
	for _, set := range sets {
		if kw, ok := matchAny(tokens, set.keywords); ok {
			return set.p, []string{kw}
		}
	}
	return models.PriorityLow, nil
}

func matchAny(tokens []string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if containsWord(tokens, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// inflections are the endings a token may add to a keyword and still match:
// "invoices" and "urgently" hit their keywords, "information" does not hit
// "info".
var inflections = []string{"", "s", "es", "d", "ed", "ing", "ly"}

func matchesToken(tok, keyword string) bool {
	rest, ok := strings.CutPrefix(tok, keyword)
	return ok && slices.Contains(inflections, rest)
}

// containsWord reports whether the keyword's words appear as consecutive
// tokens.
func containsWord(tokens []string, keyword string) bool {
	words := tokenize(keyword)
	if len(words) == 0 {
		return false
	}
	for i := 0; i+len(words) <= len(tokens); i++ {
		matched := true
		for j, w := range words {
			if !matchesToken(tokens[i+j], w) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// tokenize splits on anything that is not a letter or digit, so file names
// like "urgent_invoice-2.txt" yield urgent, invoice, 2, txt.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ContainsKeyword reports whether text contains keyword using the same word
// matching as classification.
func ContainsKeyword(text, keyword string) bool {
	return containsWord(tokenize(strings.ToLower(text)), strings.ToLower(keyword))
}
