// Package narrative turns ranges of fragments into narrative records. Text
// synthesis is delegated to an external narrator collaborator; the
// generator selects source fragments, wraps the returned text with
// provenance and persists the record. Generation fails closed: a
// collaborator error yields ErrGeneration, never a partial narrative.
package narrative

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

// Fixed-width UTC timestamps keep generated_at lexicographically ordered.
const timeFormat = "2006-01-02 15:04:05.000000000"

// Type of narrative being generated.
type Type string

const (
	TypeDaily    Type = "daily"
	TypeWeekly   Type = "weekly"
	TypeThematic Type = "thematic"
)

// ErrGeneration wraps any narrator failure.
var ErrGeneration = errors.New("narrative generation failed")

// ErrNoFragments is returned when the selected range/theme holds nothing
// to narrate.
var ErrNoFragments = errors.New("no fragments to narrate")

// DefaultNarratorTimeout bounds calls to the narrator collaborator.
const DefaultNarratorTimeout = 30 * time.Second

// Narrative is a generated record with provenance.
type Narrative struct {
	ID          string
	Type        Type
	Theme       string
	FragmentIDs []string
	Text        string
	GeneratedAt time.Time
}

// Narrator is the external text-synthesis collaborator.
type Narrator interface {
	Synthesize(ctx context.Context, frags []fragment.Fragment, typ Type, theme string) (string, error)
}

// Generator selects fragments and produces narrative records.
type Generator struct {
	db       *sql.DB
	store    *fragment.Store
	narrator Narrator
	timeout  time.Duration
}

// New creates a narrative generator over the given database handle and
// migrates its namespace. A timeout <= 0 selects the default.
func New(db *sql.DB, store *fragment.Store, narrator Narrator, timeout time.Duration) (*Generator, error) {
	if timeout <= 0 {
		timeout = DefaultNarratorTimeout
	}
	g := &Generator{db: db, store: store, narrator: narrator, timeout: timeout}
	if err := g.migrate(); err != nil {
		return nil, fmt.Errorf("migrate narrative generator: %w", err)
	}
	return g, nil
}

func (g *Generator) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS narratives (
		id             TEXT PRIMARY KEY,
		narrative_type TEXT NOT NULL,
		theme          TEXT NOT NULL DEFAULT '',
		fragment_ids   TEXT NOT NULL DEFAULT '[]',
		body           TEXT NOT NULL,
		generated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_narratives_generated ON narratives(generated_at);
	`
	_, err := g.db.Exec(schema)
	return err
}

// Generate builds a narrative over fragments created within [start, end].
// For thematic narratives the theme must match a symbolic tag or the
// category of each selected fragment.
func (g *Generator) Generate(ctx context.Context, typ Type, start, end time.Time, theme string) (*Narrative, error) {
	if g.narrator == nil {
		return nil, fmt.Errorf("%w: no narrator configured", ErrGeneration)
	}

	frags, err := g.store.ListRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("select narrative fragments: %w", err)
	}
	if typ == TypeThematic && theme != "" {
		frags = filterByTheme(frags, theme)
	}
	if len(frags) == 0 {
		return nil, ErrNoFragments
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	text, err := g.narrator.Synthesize(callCtx, frags, typ, theme)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	n := &Narrative{
		ID:          uuid.NewString(),
		Type:        typ,
		Theme:       theme,
		Text:        text,
		GeneratedAt: time.Now().UTC(),
	}
	for _, f := range frags {
		n.FragmentIDs = append(n.FragmentIDs, f.ID)
	}

	idsJSON, _ := json.Marshal(n.FragmentIDs)
	if _, err := g.db.ExecContext(ctx, `
		INSERT INTO narratives (id, narrative_type, theme, fragment_ids, body, generated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Type), n.Theme, string(idsJSON), n.Text,
		n.GeneratedAt.Format(timeFormat)); err != nil {
		return nil, fmt.Errorf("store narrative: %w", err)
	}

	slog.Info("narrative generated", "id", n.ID, "type", n.Type, "fragments", len(n.FragmentIDs))
	return n, nil
}

// Recent returns the most recently generated narratives.
func (g *Generator) Recent(ctx context.Context, limit int) ([]Narrative, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, narrative_type, theme, fragment_ids, body, generated_at
		FROM narratives ORDER BY generated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list narratives: %w", err)
	}
	defer rows.Close()

	var out []Narrative
	for rows.Next() {
		var n Narrative
		var typ, idsJSON, generatedAt string
		if err := rows.Scan(&n.ID, &typ, &n.Theme, &idsJSON, &n.Text, &generatedAt); err != nil {
			return nil, fmt.Errorf("scan narrative: %w", err)
		}
		n.Type = Type(typ)
		if err := json.Unmarshal([]byte(idsJSON), &n.FragmentIDs); err != nil {
			return nil, fmt.Errorf("decode narrative fragments: %w", err)
		}
		n.GeneratedAt = fragment.ParseTime(generatedAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Count returns the number of stored narratives.
func (g *Generator) Count(ctx context.Context) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM narratives`).Scan(&n)
	return n, err
}

func filterByTheme(frags []fragment.Fragment, theme string) []fragment.Fragment {
	var out []fragment.Fragment
	for _, f := range frags {
		if f.Category == theme {
			out = append(out, f)
			continue
		}
		for _, t := range f.SymbolicTags {
			if t == theme {
				out = append(out, f)
				break
			}
		}
	}
	return out
}
