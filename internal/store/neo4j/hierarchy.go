package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/calder/mnemo/internal/memory"
)

// AddMention links a Source to a semantic node with a MENTIONS relationship
// and bumps the anchor's promotion counters in the same transaction. MERGE
// makes duplicate calls for the same pair no-ops; a new same-day mention only
// increments distinct_source_days when it is the first that day.
func (s *Store) AddMention(ctx context.Context, sourceKey, targetKey string, day time.Time) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	dayStr := day.Format("2006-01-02")
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (s:Memory {entity_key: $source}), (t:Memory {entity_key: $target})
			OPTIONAL MATCH (s)-[m:MENTIONS]->(t)
			RETURN m IS NOT NULL AS already`,
			map[string]any{"source": sourceKey, "target": targetKey})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, memory.ErrNotFound
		}
		already, _ := record.Get("already")
		if b, _ := already.(bool); b {
			return nil, nil
		}

		result, err = tx.Run(ctx, `
			MATCH ()-[o:MENTIONS {mentioned_on: $day}]->(:Memory {entity_key: $target})
			RETURN count(o) AS n`,
			map[string]any{"target": targetKey, "day": dayStr})
		if err != nil {
			return nil, err
		}
		record, err = result.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := record.Get("n")
		dayBump := 0
		if c, _ := n.(int64); c == 0 {
			dayBump = 1
		}

		_, err = tx.Run(ctx, `
			MATCH (s:Memory {entity_key: $source}), (t:Memory {entity_key: $target})
			CREATE (s)-[:MENTIONS {mentioned_on: $day}]->(t)
			SET t.source_count = t.source_count + 1,
			    t.distinct_source_days = t.distinct_source_days + $dayBump`,
			map[string]any{"source": sourceKey, "target": targetKey, "day": dayStr, "dayBump": dayBump})
		return nil, err
	})
	if err != nil {
		if err == memory.ErrNotFound {
			return err
		}
		return fmt.Errorf("add mention: %w", err)
	}
	return nil
}

// SourcesFor returns the Source nodes that mention the anchor.
func (s *Store) SourcesFor(ctx context.Context, anchorKey string) ([]*memory.Record, error) {
	return s.queryNodes(ctx, `
		MATCH (src:Memory)-[:MENTIONS]->(:Memory {entity_key: $anchor})
		RETURN properties(src) AS props ORDER BY src.created_at`,
		map[string]any{"anchor": anchorKey})
}

// CreateStoryline inserts the storyline node, links its member sources and
// marks the anchor as covered, all in one transaction.
func (s *Store) CreateStoryline(ctx context.Context, storyline *memory.Record, sourceKeys []string) error {
	return s.createGroup(ctx, storyline, sourceKeys, `
		MATCH (a:Memory {entity_key: $anchor})
		SET a.has_meso = true, a.storyline_count = a.storyline_count + 1`)
}

// CreateMacro inserts the macro node, links its member storylines and marks
// the anchor as covered.
func (s *Store) CreateMacro(ctx context.Context, macro *memory.Record, storylineKeys []string) error {
	return s.createGroup(ctx, macro, storylineKeys, `
		MATCH (a:Memory {entity_key: $anchor})
		SET a.has_macro = true`)
}

func (s *Store) createGroup(ctx context.Context, group *memory.Record, memberKeys []string, anchorUpdate string) error {
	props, err := nodeProps(group)
	if err != nil {
		return err
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `CREATE (g:Memory) SET g = $props`, map[string]any{"props": props})
		if err != nil {
			return nil, err
		}
		_, err = tx.Run(ctx, `
			MATCH (g:Memory {entity_key: $group})
			UNWIND $members AS mk
			MATCH (m:Memory {entity_key: mk})
			MERGE (g)-[:GROUPS]->(m)`,
			map[string]any{"group": group.EntityKey, "members": memberKeys})
		if err != nil {
			return nil, err
		}
		_, err = tx.Run(ctx, anchorUpdate, map[string]any{"anchor": group.AnchorKey})
		return nil, err
	})
	if err != nil {
		if neo4j.IsNeo4jError(err) && containsConstraint(err) {
			return memory.ErrDuplicateKey
		}
		return fmt.Errorf("create group %s: %w", group.EntityKey, err)
	}
	return nil
}

func containsConstraint(err error) bool {
	ne, ok := err.(*neo4j.Neo4jError)
	return ok && ne.Code == "Neo.ClientError.Schema.ConstraintValidationFailed"
}

// StorylinesFor returns the storylines anchored to a semantic node.
func (s *Store) StorylinesFor(ctx context.Context, anchorKey string) ([]*memory.Record, error) {
	return s.queryNodes(ctx, `
		MATCH (g:Memory {kind: 'storyline', anchor_key: $anchor})
		RETURN properties(g) AS props ORDER BY g.span_start`,
		map[string]any{"anchor": anchorKey})
}

// GroupMembers returns the grouped children of a storyline or macro.
func (s *Store) GroupMembers(ctx context.Context, groupKey string) ([]*memory.Record, error) {
	return s.queryNodes(ctx, `
		MATCH (:Memory {entity_key: $group})-[:GROUPS]->(m:Memory)
		RETURN properties(m) AS props ORDER BY m.created_at`,
		map[string]any{"group": groupKey})
}
