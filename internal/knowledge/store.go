// Package knowledge holds the static SOP, policy and guideline store and the rule-based retriever over it.
package knowledge

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

//go:embed data/knowledge.json
var defaultKnowledge []byte

type Category string

const (
	CategorySOP       Category = "sop"
	CategoryPolicy    Category = "policy"
	CategoryGuideline Category = "guideline"
)

// Tier orders categories for tie-breaking: SOP before Policy before Guideline.
func (c Category) Tier() int {
	switch c {
	case CategorySOP:
		return 0
	case CategoryPolicy:
		return 1
	case CategoryGuideline:
		return 2
	}
	return 3
}

func (c Category) Valid() bool {
	return c.Tier() < 3
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// MatchAttributes are the keywords an entry is matched on.
// Medications may name a drug class ("anticoagulant") or a drug.
type MatchAttributes struct {
	Diagnoses   []string `json:"diagnoses,omitempty"`
	Medications []string `json:"medications,omitempty"`
	Conditions  []string `json:"conditions,omitempty"`
}

func (m MatchAttributes) count() int {
	return len(m.Diagnoses) + len(m.Medications) + len(m.Conditions)
}

// Entry is a single knowledge item. The payload fields used depend on the category.
type Entry struct {
	ID       string          `json:"id"`
	Category Category        `json:"category"`
	Title    string          `json:"title"`
	Priority Priority        `json:"priority"`
	Match    MatchAttributes `json:"match"`

	KeySteps       []string `json:"key_steps,omitempty"`
	Requirement    string   `json:"requirement,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	EvidenceLevel  string   `json:"evidence_level,omitempty"`
	Source         string   `json:"source,omitempty"`
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("missing id")
	}
	if !e.Category.Valid() {
		return fmt.Errorf("unknown category %q", e.Category)
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("missing title")
	}
	switch e.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("unknown priority %q", e.Priority)
	}
	if e.Match.count() == 0 {
		return fmt.Errorf("no match attributes")
	}
	for _, group := range [][]string{e.Match.Diagnoses, e.Match.Medications, e.Match.Conditions} {
		for _, attr := range group {
			if strings.TrimSpace(attr) == "" {
				return fmt.Errorf("empty match attribute")
			}
		}
	}
	switch e.Category {
	case CategorySOP:
		if len(e.KeySteps) == 0 {
			return fmt.Errorf("sop without key_steps")
		}
	case CategoryPolicy:
		if e.Requirement == "" {
			return fmt.Errorf("policy without requirement")
		}
	case CategoryGuideline:
		if e.Recommendation == "" {
			return fmt.Errorf("guideline without recommendation")
		}
	}
	return nil
}

// Store is the immutable knowledge collection loaded at startup.
type Store struct {
	entries []Entry
	skipped int
}

type storeFile struct {
	Entries []json.RawMessage `json:"entries"`
}

// Default returns the embedded knowledge store.
func Default(logger zerolog.Logger) *Store {
	s, err := Parse(bytes.NewReader(defaultKnowledge), logger)
	if err != nil {
		panic(fmt.Sprintf("embedded knowledge: %v", err))
	}
	return s
}

// Load reads a knowledge file. An empty path returns the embedded store.
func Load(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return Default(logger), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge file: %w", err)
	}
	defer f.Close()
	return Parse(f, logger)
}

// Parse decodes a knowledge document. Malformed entries are logged and skipped;
// only an unreadable document is an error.
func Parse(r io.Reader, logger zerolog.Logger) (*Store, error) {
	var file storeFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode knowledge: %w", err)
	}

	s := &Store{}
	seen := map[string]bool{}
	for i, raw := range file.Entries {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("skipping undecodable knowledge entry")
			s.skipped++
			continue
		}
		e.Category = Category(strings.ToLower(string(e.Category)))
		e.Priority = Priority(strings.ToLower(string(e.Priority)))
		if err := e.validate(); err != nil {
			logger.Warn().Err(err).Int("index", i).Str("entry_id", e.ID).Msg("skipping malformed knowledge entry")
			s.skipped++
			continue
		}
		if seen[e.ID] {
			logger.Warn().Int("index", i).Str("entry_id", e.ID).Msg("skipping duplicate knowledge entry")
			s.skipped++
			continue
		}
		seen[e.ID] = true
		s.entries = append(s.entries, e)
	}

	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].ID < s.entries[j].ID })
	logger.Info().Int("entries", len(s.entries)).Int("skipped", s.skipped).Msg("knowledge store loaded")
	return s, nil
}

// Entries returns a copy of all entries ordered by id.
func (s *Store) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Stats summarizes the store contents.
type Stats struct {
	Total      int              `json:"total"`
	Skipped    int              `json:"skipped"`
	ByCategory map[Category]int `json:"by_category"`
	ByPriority map[Priority]int `json:"by_priority"`
}

func (s *Store) Stats() Stats {
	st := Stats{
		Total:      len(s.entries),
		Skipped:    s.skipped,
		ByCategory: map[Category]int{},
		ByPriority: map[Priority]int{},
	}
	for _, e := range s.entries {
		st.ByCategory[e.Category]++
		st.ByPriority[e.Priority]++
	}
	return st
}
