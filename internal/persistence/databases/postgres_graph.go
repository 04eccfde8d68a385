package databases

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type pgGraph struct{ pool *pgxpool.Pool }

func NewPostgresGraph(pool *pgxpool.Pool) GraphDB {
	ctx := context.Background()
	// Extensions best-effort; may require superuser
	_, _ = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS postgis`)
	_, _ = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pgrouting`)
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS nodes (
  id TEXT PRIMARY KEY,
  labels TEXT[] NOT NULL DEFAULT '{}',
  props JSONB NOT NULL DEFAULT '{}'::jsonb
);
`)
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS edges (
  id BIGSERIAL PRIMARY KEY,
  source TEXT NOT NULL,
  rel TEXT NOT NULL,
  target TEXT NOT NULL,
  props JSONB NOT NULL DEFAULT '{}'::jsonb
);
`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS edges_src_rel ON edges(source, rel)`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS edges_dst_rel ON edges(target, rel)`)
	return &pgGraph{pool: pool}
}

func (g *pgGraph) UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	// Ensure we never pass SQL NULL for the JSONB `props` column. If callers
	// provide nil, use an empty JSON object so the DB's NOT NULL constraint is
	// satisfied and default behavior is consistent.
	if props == nil {
		props = map[string]any{}
	}
	_, err := g.pool.Exec(ctx, `
INSERT INTO nodes(id, labels, props) VALUES($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET labels=EXCLUDED.labels, props=EXCLUDED.props
`, id, labels, props)
	return err
}

func (g *pgGraph) UpsertEdge(ctx context.Context, srcID, rel, dstID string, props map[string]any) error {
	// Same protection for edges.props
	if props == nil {
		props = map[string]any{}
	}
	_, err := g.pool.Exec(ctx, `
INSERT INTO edges(source, rel, target, props) VALUES($1,$2,$3,$4)
ON CONFLICT DO NOTHING
`, srcID, rel, dstID, props)
	return err
}

func (g *pgGraph) Neighbors(ctx context.Context, id string, rel string) ([]string, error) {
	rows, err := g.pool.Query(ctx, `SELECT target FROM edges WHERE source=$1 AND rel=$2 ORDER BY target`, id, rel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{} // return empty slice rather than nil so JSON encodes as []
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Query seeds from nodes matching ContainerID/Labels/SeedTokens, then
// expands via the edges table along EdgeType for up to Hops hops. Node ids
// are scanned into `any` and coerced with coerceNodeID so a future backend
// whose id column is numeric behaves the same as this one's TEXT keys.
func (g *pgGraph) Query(ctx context.Context, q GraphQueryParams) ([]string, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.ContainerID != "" {
		where = append(where, fmt.Sprintf("props->>'container_id' = %s", arg(q.ContainerID)))
	}
	if len(q.Labels) > 0 {
		where = append(where, fmt.Sprintf("labels && %s::text[]", arg(q.Labels)))
	}
	var tokenClauses []string
	for _, t := range q.SeedTokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		ph := arg("%" + t + "%")
		tokenClauses = append(tokenClauses, fmt.Sprintf("(props->>'summary' ILIKE %s OR props->>'label' ILIKE %s OR props->>'value' ILIKE %s)", ph, ph, ph))
	}
	if len(tokenClauses) > 0 {
		where = append(where, "("+strings.Join(tokenClauses, " OR ")+")")
	}
	sql := "SELECT id FROM nodes"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := g.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	visited := map[string]struct{}{}
	var frontier []string
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, err
		}
		id := coerceNodeID(raw)
		if _, ok := visited[id]; !ok {
			visited[id] = struct{}{}
			frontier = append(frontier, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hops := q.Hops
	if hops <= 0 {
		hops = 1
	}
	for h := 0; h < hops && len(frontier) > 0; h++ {
		erows, err := g.pool.Query(ctx, `SELECT target FROM edges WHERE source = ANY($1) AND rel = $2`, frontier, q.EdgeType)
		if err != nil {
			return nil, err
		}
		var next []string
		for erows.Next() {
			var raw any
			if err := erows.Scan(&raw); err != nil {
				erows.Close()
				return nil, err
			}
			dst := coerceNodeID(raw)
			if _, ok := visited[dst]; !ok {
				visited[dst] = struct{}{}
				next = append(next, dst)
			}
		}
		erows.Close()
		if err := erows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}

	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func coerceNodeID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func (g *pgGraph) GetNode(ctx context.Context, id string) (Node, bool) {
	row := g.pool.QueryRow(ctx, `SELECT labels, props FROM nodes WHERE id=$1`, id)
	var labels []string
	var props map[string]any
	if err := row.Scan(&labels, &props); err != nil {
		return Node{}, false
	}
	return Node{ID: id, Labels: labels, Props: props}, true
}
