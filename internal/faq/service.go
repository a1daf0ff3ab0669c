package faq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/store"
)

// Store captures the persistence operations FAQ search needs.
type Store interface {
	CreateFAQ(ctx context.Context, question, answer string, keywords []string) (store.FAQ, error)
	UpdateFAQ(ctx context.Context, id pgtype.UUID, question, answer string, keywords []string) (store.FAQ, error)
	DeleteFAQ(ctx context.Context, id pgtype.UUID) error
	ListFAQs(ctx context.Context) ([]store.FAQ, error)
}

// Service answers chat widget questions by keyword overlap. No language
// understanding happens here: a stored entry scores one point per distinct
// query token that appears in its keyword list.
type Service struct {
	Store      Store
	MaxResults int
}

// Entry is the API representation of one FAQ.
type Entry struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Keywords  []string  `json:"keywords"`
	CreatedAt time.Time `json:"created_at"`
}

// Match pairs an entry with its overlap score.
type Match struct {
	Entry Entry `json:"entry"`
	Score int   `json:"score"`
}

// Search returns the best-matching entries for a free-form question,
// highest score first. An empty result means no keyword overlapped.
func (s *Service) Search(ctx context.Context, question string) ([]Match, error) {
	tokens := tokenise(question)
	if len(tokens) == 0 {
		return nil, common.NewAppError(common.CodeBadRequest, "question is required", http.StatusBadRequest, nil)
	}
	faqs, err := s.Store.ListFAQs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list faqs: %w", err)
	}
	var matches []Match
	for _, f := range faqs {
		score := overlap(tokens, f.Keywords)
		if score == 0 {
			continue
		}
		matches = append(matches, Match{Entry: convert(f), Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	limit := s.MaxResults
	if limit <= 0 {
		limit = 3
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Create adds an FAQ entry.
func (s *Service) Create(ctx context.Context, question, answer string, keywords []string) (Entry, error) {
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	cleaned := cleanKeywords(keywords)
	if question == "" || answer == "" || len(cleaned) == 0 {
		return Entry{}, common.NewAppError(common.CodeInvalidInput,
			"question, answer and at least one keyword are required", http.StatusUnprocessableEntity, nil)
	}
	created, err := s.Store.CreateFAQ(ctx, question, answer, cleaned)
	if err != nil {
		return Entry{}, fmt.Errorf("create faq: %w", err)
	}
	return convert(created), nil
}

// Update replaces an entry's content.
func (s *Service) Update(ctx context.Context, id, question, answer string, keywords []string) (Entry, error) {
	fid, err := store.ToUUID(id)
	if err != nil {
		return Entry{}, common.NewAppError(common.CodeNotFound, "faq not found", http.StatusNotFound, err)
	}
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	cleaned := cleanKeywords(keywords)
	if question == "" || answer == "" || len(cleaned) == 0 {
		return Entry{}, common.NewAppError(common.CodeInvalidInput,
			"question, answer and at least one keyword are required", http.StatusUnprocessableEntity, nil)
	}
	updated, err := s.Store.UpdateFAQ(ctx, fid, question, answer, cleaned)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Entry{}, common.NewAppError(common.CodeNotFound, "faq not found", http.StatusNotFound, err)
		}
		return Entry{}, fmt.Errorf("update faq: %w", err)
	}
	return convert(updated), nil
}

// Delete removes an entry.
func (s *Service) Delete(ctx context.Context, id string) error {
	fid, err := store.ToUUID(id)
	if err != nil {
		return common.NewAppError(common.CodeNotFound, "faq not found", http.StatusNotFound, err)
	}
	if err := s.Store.DeleteFAQ(ctx, fid); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return common.NewAppError(common.CodeNotFound, "faq not found", http.StatusNotFound, err)
		}
		return fmt.Errorf("delete faq: %w", err)
	}
	return nil
}

// List returns every entry for the admin screen.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	faqs, err := s.Store.ListFAQs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list faqs: %w", err)
	}
	out := make([]Entry, 0, len(faqs))
	for _, f := range faqs {
		out = append(out, convert(f))
	}
	return out, nil
}

func tokenise(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	var tokens []string
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

func overlap(tokens, keywords []string) int {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		set[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	score := 0
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			score++
		}
	}
	return score
}

func cleanKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	var out []string
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func convert(f store.FAQ) Entry {
	return Entry{
		ID:        store.UUIDString(f.ID),
		Question:  f.Question,
		Answer:    f.Answer,
		Keywords:  f.Keywords,
		CreatedAt: f.CreatedAt,
	}
}
