package versionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/riskrules/internal/sqldialect"
	"github.com/liamcoop/riskrules/rules"
)

// SQLStore implements Store over the container_versions table
type SQLStore struct {
	db      *sql.DB
	dialect sqldialect.Dialect
}

// NewSQLStore creates a ledger over an already migrated database
func NewSQLStore(db *sql.DB, dialect sqldialect.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// NewPostgresStore creates a ledger backed by PostgreSQL
func NewPostgresStore(db *sql.DB) *SQLStore {
	return NewSQLStore(db, sqldialect.Postgres)
}

// NewSQLiteStore creates a ledger backed by SQLite
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return NewSQLStore(db, sqldialect.SQLite)
}

const versionColumns = `fact_type, version, rules_count, rules_hash, build_id, changes_description,
	rule_ids, rule_refs, rule_changes_json, restored_from, deployed_at, deployed_by`

// Append inserts v inside a transaction after checking it is the next
// version. Concurrent writers that pass the check still collide on the
// primary key, which is reported as ErrVersionConflict.
func (s *SQLStore) Append(ctx context.Context, v *ContainerVersion) error {
	refs, err := json.Marshal(v.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rule refs: %w", err)
	}
	changes, err := json.Marshal(v.Changes)
	if err != nil {
		return fmt.Errorf("failed to marshal rule changes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var latest int
	err = tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT COALESCE(MAX(version), 0) FROM container_versions WHERE fact_type = ?
	`), string(v.FactType)).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to read latest version: %w", err)
	}
	if v.Version != latest+1 {
		return ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO container_versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		string(v.FactType), v.Version, v.RulesCount, v.RulesHash, v.BuildID, v.ChangesDescription,
		joinIDs(v.RuleIDs()), string(refs), string(changes), v.RestoredFrom,
		v.DeployedAt.UnixMilli(), v.DeployedBy,
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to insert container version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to commit container version: %w", err)
	}
	return nil
}

func (s *SQLStore) Latest(ctx context.Context, factType rules.FactType) (*ContainerVersion, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+versionColumns+`
		FROM container_versions
		WHERE fact_type = ?
		ORDER BY version DESC
		LIMIT 1
	`), string(factType))
	return scanVersion(row)
}

func (s *SQLStore) Get(ctx context.Context, factType rules.FactType, version int) (*ContainerVersion, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+versionColumns+`
		FROM container_versions
		WHERE fact_type = ? AND version = ?
	`), string(factType), version)
	return scanVersion(row)
}

func (s *SQLStore) History(ctx context.Context, factType rules.FactType) ([]*ContainerVersion, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+versionColumns+`
		FROM container_versions
		WHERE fact_type = ?
		ORDER BY version DESC
	`), string(factType))
	if err != nil {
		return nil, fmt.Errorf("failed to query container versions: %w", err)
	}
	defer rows.Close()

	out := []*ContainerVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating container versions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*ContainerVersion, error) {
	var (
		v          ContainerVersion
		factType   string
		ruleIDs    string
		refs       []byte
		changes    []byte
		deployedAt int64
	)
	err := row.Scan(&factType, &v.Version, &v.RulesCount, &v.RulesHash, &v.BuildID, &v.ChangesDescription,
		&ruleIDs, &refs, &changes, &v.RestoredFrom, &deployedAt, &v.DeployedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan container version: %w", err)
	}

	v.FactType = rules.FactType(factType)
	v.DeployedAt = time.UnixMilli(deployedAt).UTC()
	if err := json.Unmarshal(refs, &v.Rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule refs of version %d: %w", v.Version, err)
	}
	if err := json.Unmarshal(changes, &v.Changes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule changes of version %d: %w", v.Version, err)
	}
	if len(v.Rules) == 0 && ruleIDs != "" {
		// rows written without refs still carry the ordered id list
		ids, err := splitIDs(ruleIDs)
		if err != nil {
			return nil, fmt.Errorf("version %d: %w", v.Version, err)
		}
		for _, id := range ids {
			v.Rules = append(v.Rules, RuleRef{ID: id})
		}
	}
	return clone(&v), nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rule id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
