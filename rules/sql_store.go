package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/liamcoop/riskrules/internal/sqldialect"
)

// SQLRuleStore implements RuleSource over the rule tables, on Postgres or
// SQLite
type SQLRuleStore struct {
	db      *sql.DB
	dialect sqldialect.Dialect
}

// NewSQLRuleStore creates a SQL-backed RuleSource
func NewSQLRuleStore(db *sql.DB, dialect sqldialect.Dialect) *SQLRuleStore {
	return &SQLRuleStore{db: db, dialect: dialect}
}

// NewPostgresRuleStore creates a RuleSource backed by PostgreSQL
func NewPostgresRuleStore(db *sql.DB) *SQLRuleStore {
	return NewSQLRuleStore(db, sqldialect.Postgres)
}

const ruleColumns = `id, rule_name, fact_type, priority, active, version, parent_rule_id, is_latest, created_at, updated_at`

// ListActive returns the active latest rules for the fact type
func (s *SQLRuleStore) ListActive(ctx context.Context, factType FactType) ([]*DecisionRule, error) {
	rs, err := s.queryRules(ctx, `
		SELECT `+ruleColumns+`
		FROM decision_rules
		WHERE fact_type = ? AND active = ? AND is_latest = ?
		ORDER BY priority ASC, id ASC
	`, string(factType), true, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	if err := s.loadTrees(ctx, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// LoadRules returns the rows with the given ids in the order requested
func (s *SQLRuleStore) LoadRules(ctx context.Context, factType FactType, ids []int64) ([]*DecisionRule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{string(factType)}
	for _, id := range ids {
		args = append(args, id)
	}
	rs, err := s.queryRules(ctx, `
		SELECT `+ruleColumns+`
		FROM decision_rules
		WHERE fact_type = ? AND id IN (`+sqldialect.Placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	byID := make(map[int64]*DecisionRule, len(rs))
	for _, r := range rs {
		byID[r.ID] = r
	}
	out := make([]*DecisionRule, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("rule with ID %d not found for fact type %s", id, factType)
		}
		out = append(out, r)
	}
	if err := s.loadTrees(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLRuleStore) queryRules(ctx context.Context, query string, args ...any) ([]*DecisionRule, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rs []*DecisionRule
	for rows.Next() {
		var (
			r         DecisionRule
			factType  string
			parentID  sql.NullInt64
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &factType, &r.Priority, &r.Active, &r.Version,
			&parentID, &r.IsLatest, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.FactType = FactType(factType)
		if parentID.Valid {
			p := parentID.Int64
			r.ParentRuleID = &p
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		rs = append(rs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rs, nil
}

type groupRow struct {
	ID       int64
	RuleID   int64
	ParentID *int64
	Type     GroupType
	Order    int
}

type leafRow[T any] struct {
	ID      int64
	GroupID int64
	Order   int
	Leaf    T
}

// loadTrees fills the condition and output trees of rs in four queries
func (s *SQLRuleStore) loadTrees(ctx context.Context, rs []*DecisionRule) error {
	if len(rs) == 0 {
		return nil
	}
	ids := make([]any, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	in := sqldialect.Placeholders(len(ids))

	condGroups, err := s.queryGroups(ctx, "rule_condition_group", in, ids)
	if err != nil {
		return err
	}
	outGroups, err := s.queryGroups(ctx, "rule_output_group", in, ids)
	if err != nil {
		return err
	}
	conds, err := s.queryConditions(ctx, in, ids)
	if err != nil {
		return err
	}
	outs, err := s.queryOutputs(ctx, in, ids)
	if err != nil {
		return err
	}

	for _, r := range rs {
		r.Conditions = assembleTree(condGroups[r.ID], conds[r.ID])
		r.Outputs = assembleTree(outGroups[r.ID], outs[r.ID])
	}
	return nil
}

func (s *SQLRuleStore) queryGroups(ctx context.Context, table, in string, ids []any) (map[int64][]groupRow, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT id, decision_rule_id, parent_id, type, order_index
		FROM `+table+`
		WHERE decision_rule_id IN (`+in+`)
		ORDER BY order_index ASC, id ASC
	`), ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[int64][]groupRow)
	for rows.Next() {
		var (
			g        groupRow
			parentID sql.NullInt64
			typ      string
		)
		if err := rows.Scan(&g.ID, &g.RuleID, &parentID, &typ, &g.Order); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		if parentID.Valid {
			p := parentID.Int64
			g.ParentID = &p
		}
		g.Type = GroupType(strings.ToUpper(typ))
		out[g.RuleID] = append(out[g.RuleID], g)
	}
	return out, rows.Err()
}

func (s *SQLRuleStore) queryConditions(ctx context.Context, in string, ids []any) (map[int64][]leafRow[Condition], error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT c.id, c.group_id, g.decision_rule_id, c.field_path, c.operator, c.value_type,
		       c.value_text, c.value_number, c.value_decimal, c.value_boolean, c.value_date,
		       c.value_json, c.order_index
		FROM rule_condition c
		JOIN rule_condition_group g ON g.id = c.group_id
		WHERE g.decision_rule_id IN (`+in+`)
		ORDER BY c.order_index ASC, c.id ASC
	`), ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule conditions: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]leafRow[Condition])
	for rows.Next() {
		var (
			l        leafRow[Condition]
			ruleID   int64
			op, vt   string
			text     sql.NullString
			number   sql.NullInt64
			decimal  sql.NullFloat64
			boolean  sql.NullBool
			date     sql.NullString
			jsonText sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.GroupID, &ruleID, &l.Leaf.Field, &op, &vt,
			&text, &number, &decimal, &boolean, &date, &jsonText, &l.Order); err != nil {
			return nil, fmt.Errorf("failed to scan rule condition: %w", err)
		}
		l.Leaf.Operator = Operator(strings.ToUpper(op))
		v := Value{Type: ValueType(strings.ToUpper(vt))}
		if v.Type == "BIG_DECIMAL" {
			v.Type = ValueDecimal
		}
		if text.Valid {
			v.Text = &text.String
		}
		if number.Valid {
			v.Number = &number.Int64
		}
		if decimal.Valid {
			v.Decimal = &decimal.Float64
		}
		if boolean.Valid {
			v.Bool = &boolean.Bool
		}
		if date.Valid {
			t, err := ParseDate(date.String)
			if err != nil {
				return nil, fmt.Errorf("rule condition %d: %w", l.ID, err)
			}
			v.Date = &t
		}
		if jsonText.Valid && jsonText.String != "" {
			v.JSON = json.RawMessage(jsonText.String)
		}
		l.Leaf.Value = v
		out[ruleID] = append(out[ruleID], l)
	}
	return out, rows.Err()
}

func (s *SQLRuleStore) queryOutputs(ctx context.Context, in string, ids []any) (map[int64][]leafRow[Output], error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT o.id, o.group_id, g.decision_rule_id, o.action, o.result, o.score, o.flag,
		       o.document_type, o.document_id, o.description, o.order_index
		FROM rule_output o
		JOIN rule_output_group g ON g.id = o.group_id
		WHERE g.decision_rule_id IN (`+in+`)
		ORDER BY o.order_index ASC, o.id ASC
	`), ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule outputs: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]leafRow[Output])
	for rows.Next() {
		var (
			l                           leafRow[Output]
			ruleID                      int64
			action, result, flag        sql.NullString
			docType, docID, description sql.NullString
			score                       sql.NullFloat64
		)
		if err := rows.Scan(&l.ID, &l.GroupID, &ruleID, &action, &result, &score, &flag,
			&docType, &docID, &description, &l.Order); err != nil {
			return nil, fmt.Errorf("failed to scan rule output: %w", err)
		}
		l.Leaf = Output{
			Action:       action.String,
			Result:       result.String,
			Flag:         flag.String,
			DocumentType: docType.String,
			DocumentID:   docID.String,
			Description:  description.String,
		}
		if score.Valid {
			sc := score.Float64
			l.Leaf.Score = &sc
		}
		out[ruleID] = append(out[ruleID], l)
	}
	return out, rows.Err()
}

// assembleTree turns parent-id rows into an arena. Groups whose parent is
// missing or forms a cycle stay unreachable from the root, which Validate
// reports.
func assembleTree[T any](groups []groupRow, leaves []leafRow[T]) Tree[T] {
	t := Tree[T]{Root: -1}
	index := make(map[int64]int, len(groups))
	for _, g := range groups {
		index[g.ID] = len(t.Nodes)
		t.Nodes = append(t.Nodes, Node[T]{ID: g.ID, Kind: KindGroup, Parent: -1, Group: g.Type})
	}

	type child struct {
		order int
		id    int64
		idx   int
	}
	kids := make(map[int][]child)
	for _, g := range groups {
		idx := index[g.ID]
		if g.ParentID == nil {
			if t.Root == -1 {
				t.Root = idx
			}
			continue
		}
		if p, ok := index[*g.ParentID]; ok {
			t.Nodes[idx].Parent = p
			kids[p] = append(kids[p], child{order: g.Order, id: g.ID, idx: idx})
		}
	}
	for _, l := range leaves {
		idx := len(t.Nodes)
		node := Node[T]{ID: l.ID, Kind: KindLeaf, Parent: -1, Leaf: l.Leaf}
		if p, ok := index[l.GroupID]; ok {
			node.Parent = p
			kids[p] = append(kids[p], child{order: l.Order, id: l.ID, idx: idx})
		}
		t.Nodes = append(t.Nodes, node)
	}

	for p, cs := range kids {
		sort.SliceStable(cs, func(i, j int) bool {
			if cs[i].order != cs[j].order {
				return cs[i].order < cs[j].order
			}
			return cs[i].id < cs[j].id
		})
		children := make([]int, len(cs))
		for i, c := range cs {
			children[i] = c.idx
		}
		t.Nodes[p].Children = children
	}
	return t
}

// Insert writes a rule and both of its trees. Node ids are assigned by the
// database; a zero rule ID is assigned as well and written back to rule.
func (s *SQLRuleStore) Insert(ctx context.Context, rule *DecisionRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if rule.Version == 0 {
		rule.Version = 1
	}
	now := time.Now().UnixMilli()
	var parent any
	if rule.ParentRuleID != nil {
		parent = *rule.ParentRuleID
	}

	if rule.ID == 0 {
		err = tx.QueryRowContext(ctx, s.dialect.Rebind(`
			INSERT INTO decision_rules (rule_name, fact_type, priority, active, version, parent_rule_id, is_latest, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), rule.Name, string(rule.FactType), rule.Priority, rule.Active, rule.Version, parent,
			rule.IsLatest, now, now).Scan(&rule.ID)
	} else {
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO decision_rules (id, rule_name, fact_type, priority, active, version, parent_rule_id, is_latest, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), rule.ID, rule.Name, string(rule.FactType), rule.Priority, rule.Active, rule.Version,
			parent, rule.IsLatest, now, now)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	rule.CreatedAt = time.UnixMilli(now).UTC()
	rule.UpdatedAt = rule.CreatedAt

	if err := s.insertConditions(ctx, tx, rule); err != nil {
		return err
	}
	if err := s.insertOutputs(ctx, tx, rule); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLRuleStore) insertGroup(ctx context.Context, tx *sql.Tx, table string, ruleID int64, parent any, group GroupType, order int) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.dialect.Rebind(`
		INSERT INTO `+table+` (decision_rule_id, parent_id, type, order_index)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), ruleID, parent, string(group), order).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s: %w", table, err)
	}
	return id, nil
}

func (s *SQLRuleStore) insertConditions(ctx context.Context, tx *sql.Tx, rule *DecisionRule) error {
	t := &rule.Conditions
	dbIDs := make(map[int]int64)
	order := childOrder(t.Nodes)
	return t.Walk(func(idx int, n *Node[Condition]) error {
		var parent any
		if n.Parent >= 0 {
			parent = dbIDs[n.Parent]
		}
		if n.Kind == KindGroup {
			id, err := s.insertGroup(ctx, tx, "rule_condition_group", rule.ID, parent, n.Group, order[idx])
			dbIDs[idx] = id
			return err
		}
		c := n.Leaf
		var date, js any
		if c.Value.Date != nil {
			date = c.Value.Date.UTC().Format(time.RFC3339Nano)
		}
		if len(c.Value.JSON) > 0 {
			js = string(c.Value.JSON)
		}
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO rule_condition (group_id, field_path, operator, value_type, value_text,
			    value_number, value_decimal, value_boolean, value_date, value_json, order_index)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), parent, c.Field, string(c.Operator), string(c.Value.Type), nullable(c.Value.Text),
			nullable(c.Value.Number), nullable(c.Value.Decimal), nullable(c.Value.Bool), date, js, order[idx])
		if err != nil {
			return fmt.Errorf("failed to insert rule condition: %w", err)
		}
		return nil
	})
}

func (s *SQLRuleStore) insertOutputs(ctx context.Context, tx *sql.Tx, rule *DecisionRule) error {
	t := &rule.Outputs
	dbIDs := make(map[int]int64)
	order := childOrder(t.Nodes)
	return t.Walk(func(idx int, n *Node[Output]) error {
		var parent any
		if n.Parent >= 0 {
			parent = dbIDs[n.Parent]
		}
		if n.Kind == KindGroup {
			id, err := s.insertGroup(ctx, tx, "rule_output_group", rule.ID, parent, n.Group, order[idx])
			dbIDs[idx] = id
			return err
		}
		o := n.Leaf
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO rule_output (group_id, decision_rule_id, action, result, score, flag,
			    document_type, document_id, description, order_index)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), parent, rule.ID, o.Action, o.Result, nullable(o.Score), o.Flag, o.DocumentType,
			o.DocumentID, o.Description, order[idx])
		if err != nil {
			return fmt.Errorf("failed to insert rule output: %w", err)
		}
		return nil
	})
}

// childOrder maps each node index to its position among its siblings
func childOrder[T any](nodes []Node[T]) map[int]int {
	order := make(map[int]int, len(nodes))
	for _, n := range nodes {
		for pos, c := range n.Children {
			order[c] = pos
		}
	}
	return order
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
