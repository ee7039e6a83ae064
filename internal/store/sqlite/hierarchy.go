package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/calder/mnemo/internal/memory"
)

// AddMention links a Source to a semantic node and maintains the anchor's
// incremental promotion counters inside one transaction. Re-linking the same
// pair is a no-op.
func (s *Store) AddMention(ctx context.Context, sourceKey, targetKey string, day time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add mention: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE entity_key = ?`, sourceKey).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return memory.ErrNotFound
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE entity_key = ?`, targetKey).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return memory.ErrNotFound
	}

	dayStr := day.UTC().Format("2006-01-02")
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO mentions (source_key, target_key, mentioned_on)
		 VALUES (?, ?, ?)`, sourceKey, targetKey, dayStr)
	if err != nil {
		return fmt.Errorf("insert mention: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit() // already linked
	}

	// First mention of this anchor on this calendar day?
	var sameDay int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mentions WHERE target_key = ? AND mentioned_on = ?`,
		targetKey, dayStr).Scan(&sameDay); err != nil {
		return err
	}
	dayDelta := 0
	if sameDay == 1 {
		dayDelta = 1
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET
			source_count = source_count + 1,
			distinct_source_days = distinct_source_days + ?
		 WHERE entity_key = ?`, dayDelta, targetKey); err != nil {
		return fmt.Errorf("bump counters: %w", err)
	}
	return tx.Commit()
}

// SourcesFor returns the Source nodes mentioning an anchor, oldest first.
func (s *Store) SourcesFor(ctx context.Context, anchorKey string) ([]*memory.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE entity_key IN (SELECT source_key FROM mentions WHERE target_key = ?)
		 ORDER BY created_at`, anchorKey)
	if err != nil {
		return nil, fmt.Errorf("sources for: %w", err)
	}
	return scanNodeRows(rows)
}

// CreateStoryline inserts a storyline node, links its grouped sources, marks
// the anchor has_meso, and bumps its storyline count, atomically.
func (s *Store) CreateStoryline(ctx context.Context, storyline *memory.Record, sourceKeys []string) error {
	return s.createGroup(ctx, storyline, sourceKeys, `
		UPDATE nodes SET has_meso = 1, storyline_count = storyline_count + 1
		WHERE entity_key = ?`)
}

// CreateMacro inserts a macro node grouping storylines and marks the anchor.
func (s *Store) CreateMacro(ctx context.Context, macro *memory.Record, storylineKeys []string) error {
	return s.createGroup(ctx, macro, storylineKeys, `
		UPDATE nodes SET has_macro = 1 WHERE entity_key = ?`)
}

func (s *Store) createGroup(ctx context.Context, group *memory.Record, memberKeys []string, anchorUpdate string) error {
	if group.AnchorKey == "" {
		return fmt.Errorf("group node %s has no anchor", group.EntityKey)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	defer tx.Rollback()

	args, err := nodeArgs(group)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES (`+nodePlaceholders+`)`, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return memory.ErrDuplicateKey
		}
		return fmt.Errorf("insert group node: %w", err)
	}
	for _, member := range memberKeys {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members (group_key, member_key) VALUES (?, ?)`,
			group.EntityKey, member); err != nil {
			return fmt.Errorf("link member %s: %w", member, err)
		}
	}
	if _, err := tx.ExecContext(ctx, anchorUpdate, group.AnchorKey); err != nil {
		return fmt.Errorf("mark anchor: %w", err)
	}
	return tx.Commit()
}

// StorylinesFor returns the storylines anchored to a semantic node.
func (s *Store) StorylinesFor(ctx context.Context, anchorKey string) ([]*memory.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE kind = 'storyline' AND anchor_key = ?
		 ORDER BY created_at`, anchorKey)
	if err != nil {
		return nil, fmt.Errorf("storylines for: %w", err)
	}
	return scanNodeRows(rows)
}

// GroupMembers returns the grouped children of a storyline or macro.
func (s *Store) GroupMembers(ctx context.Context, groupKey string) ([]*memory.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE entity_key IN (SELECT member_key FROM group_members WHERE group_key = ?)
		 ORDER BY created_at`, groupKey)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	return scanNodeRows(rows)
}
