package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store errors
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrGuardFailed       = errors.New("transition guard failed")
	ErrValidation        = errors.New("validation error")
)

// Store provides generic CRUD operations for all resources defined in the schema.
type Store struct {
	db      *sqlx.DB
	schema  map[string]*Resource
	ordered []Resource // ordered list for migrations
}

// NewStore creates a new generic store over an already-migrated database.
func NewStore(db *sqlx.DB, resources []Resource) (*Store, error) {
	schema := make(map[string]*Resource, len(resources))
	ordered := make([]Resource, len(resources))
	for i := range resources {
		r := resources[i]
		schema[r.Name] = &r
		ordered[i] = r
	}
	s := &Store{
		db:      db,
		schema:  schema,
		ordered: ordered,
	}
	return s, nil
}

// DB returns the underlying sqlx.DB.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Resource returns the resource definition by name.
func (s *Store) Resource(name string) *Resource {
	return s.schema[name]
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// Pagination
// =============================================================================

type Page struct {
	Limit  int
	Offset int
}

func DefaultPage() Page {
	return Page{Limit: 100, Offset: 0}
}

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Limit > 1000 {
		p.Limit = 1000
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// =============================================================================
// Filters
// =============================================================================

type Filter struct {
	Field string
	Value any
}

// =============================================================================
// CRUD Operations
// =============================================================================

// Create inserts a new row for the given resource.
// Validates fields, generates reference_id, applies computed fields and defaults.
func (s *Store) Create(ctx context.Context, resource string, data map[string]any) (map[string]any, error) {
	res, ok := s.schema[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}

	// Generate reference_id
	refID := res.RefPrefix + uuid.New().String()[:8]
	if res.RefPrefix == "" {
		refID = uuid.New().String()
	}
	data["reference_id"] = refID

	// Apply defaults
	for _, f := range res.Fields {
		if _, exists := data[f.Name]; !exists && f.DefaultValue != nil {
			data[f.Name] = f.DefaultValue
		}
	}

	// Apply computed fields
	for _, f := range res.Fields {
		if f.Computed != nil {
			data[f.Name] = f.Computed(data)
		}
	}

	// Apply state machine initial state
	if res.StateMachine != nil {
		if _, exists := data[res.StateMachine.Field]; !exists {
			data[res.StateMachine.Field] = res.StateMachine.Initial
		}
	}

	// Validate
	if err := s.validate(res, data); err != nil {
		return nil, err
	}

	// Set timestamps
	now := time.Now().UTC().Format(time.RFC3339)
	data["created_at"] = now
	data["updated_at"] = now

	// Build INSERT
	cols := []string{"reference_id"}
	placeholders := []string{":reference_id"}
	for _, f := range res.Fields {
		if _, exists := data[f.Name]; exists {
			cols = append(cols, f.Name)
			placeholders = append(placeholders, ":"+f.Name)
		}
	}
	cols = append(cols, "created_at", "updated_at")
	placeholders = append(placeholders, ":created_at", ":updated_at")

	// JSON-encode JSON fields
	if err := s.encodeJSONFields(res, data); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		resource, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	result, err := s.db.NamedExecContext(ctx, query, data)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", resource, err)
	}

	id, _ := result.LastInsertId()
	data["id"] = id

	return data, nil
}

// Get retrieves a single row by reference_id.
func (s *Store) Get(ctx context.Context, resource string, refID string) (map[string]any, error) {
	res, ok := s.schema[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}

	cols := s.selectColumns(res)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE reference_id = ?", cols, resource)

	row := s.db.QueryRowxContext(ctx, query, refID)
	result := make(map[string]any)
	if err := row.MapScan(result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", resource, refID, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", resource, err)
	}

	s.decodeRow(res, result)
	return result, nil
}

// GetByID retrieves a single row by integer primary key.
func (s *Store) GetByID(ctx context.Context, resource string, id int) (map[string]any, error) {
	res, ok := s.schema[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}

	cols := s.selectColumns(res)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", cols, resource)

	row := s.db.QueryRowxContext(ctx, query, id)
	result := make(map[string]any)
	if err := row.MapScan(result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s id=%d: %w", resource, id, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s by id: %w", resource, err)
	}

	s.decodeRow(res, result)
	return result, nil
}

// List retrieves rows with optional filters and pagination.
func (s *Store) List(ctx context.Context, resource string, filters []Filter, page Page) ([]map[string]any, error) {
	res, ok := s.schema[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}

	page = page.Normalize()
	cols := s.selectColumns(res)

	var where []string
	var args []any
	for _, f := range filters {
		where = append(where, fmt.Sprintf("%s = ?", f.Field))
		args = append(args, f.Value)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", cols, resource)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit, page.Offset)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", resource, err)
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", resource, err)
		}
		s.decodeRow(res, row)
		results = append(results, row)
	}

	return results, rows.Err()
}

// ListOrdered retrieves rows matching the filters, ordered by the given column
// ascending. Used for position-ordered edges.
func (s *Store) ListOrdered(ctx context.Context, resource string, filters []Filter, orderBy string, page Page) ([]map[string]any, error) {
	res, ok := s.schema[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}
	if res.FieldByName(orderBy) == nil {
		return nil, fmt.Errorf("unknown order column %s on %s", orderBy, resource)
	}

	page = page.Normalize()
	cols := s.selectColumns(res)

	var where []string
	var args []any
	for _, f := range filters {
		where = append(where, fmt.Sprintf("%s = ?", f.Field))
		args = append(args, f.Value)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", cols, resource)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s ASC, id ASC", orderBy)
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit, page.Offset)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", resource, err)
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", resource, err)
		}
		s.decodeRow(res, row)
		results = append(results, row)
	}

	return results, rows.Err()
}

// Update updates a row by reference_id with the given data.
// Only fields present in data are updated.
func (s *Store) Update(ctx context.Context, resource string, refID string, data map[string]any) (map[string]any, error) {
	res, ok := s.schema[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}

	// Don't allow updating reference_id, id, created_at
	delete(data, "reference_id")
	delete(data, "id")
	delete(data, "created_at")

	// Set updated_at
	data["updated_at"] = time.Now().UTC().Format(time.RFC3339)

	// JSON-encode JSON fields
	if err := s.encodeJSONFields(res, data); err != nil {
		return nil, err
	}

	// Build SET clause
	var setClauses []string
	var args []any
	for key, val := range data {
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", key))
		args = append(args, val)
	}

	if len(setClauses) == 0 {
		return s.Get(ctx, resource, refID)
	}

	args = append(args, refID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE reference_id = ?",
		resource, strings.Join(setClauses, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", resource, err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return nil, fmt.Errorf("%s %s: %w", resource, refID, ErrNotFound)
	}

	return s.Get(ctx, resource, refID)
}

// Delete removes a row by reference_id.
func (s *Store) Delete(ctx context.Context, resource string, refID string) error {
	if _, ok := s.schema[resource]; !ok {
		return fmt.Errorf("unknown resource: %s", resource)
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE reference_id = ?", resource), refID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", resource, err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", resource, refID, ErrNotFound)
	}

	return nil
}

// =============================================================================
// State Machine Transitions
// =============================================================================

// Transition atomically transitions a resource's state machine to a new state.
// Returns the updated row.
func (s *Store) Transition(ctx context.Context, resource string, refID string, toState string) (map[string]any, error) {
	res, ok := s.schema[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}

	if res.StateMachine == nil {
		return nil, fmt.Errorf("resource %s has no state machine", resource)
	}

	sm := res.StateMachine

	// Get current row
	row, err := s.Get(ctx, resource, refID)
	if err != nil {
		return nil, err
	}

	fromState, _ := row[sm.Field].(string)
	// Handle []byte from SQLite
	if b, ok := row[sm.Field].([]byte); ok {
		fromState = string(b)
	}

	// Validate transition
	if !sm.CanTransition(fromState, toState) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, fromState, toState)
	}

	// Run guard
	if guard, ok := sm.Guards[toState]; ok {
		if err := guard(row); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGuardFailed, err)
		}
	}

	return s.Update(ctx, resource, refID, map[string]any{
		sm.Field: toState,
	})
}

// =============================================================================
// Member Resolution
// =============================================================================

// ResolveMember upserts a tenant member and returns their integer ID.
// The members table predates the engine schema and is managed by file migrations.
func (s *Store) ResolveMember(ctx context.Context, referenceID, tenantID, email, name string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (reference_id, tenant_id, email, name, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, datetime('now'), datetime('now'))
		ON CONFLICT(reference_id) DO UPDATE SET
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE members.email END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE members.name END,
			updated_at = datetime('now')
	`, referenceID, tenantID, email, name)
	if err != nil {
		return 0, fmt.Errorf("resolve member: %w", err)
	}

	var memberID int
	err = s.db.GetContext(ctx, &memberID, "SELECT id FROM members WHERE reference_id = ?", referenceID)
	if err != nil {
		return 0, fmt.Errorf("resolve member: %w", err)
	}
	return memberID, nil
}

// GetActiveMember returns the member row for a reference id if the member
// belongs to the tenant and is active.
func (s *Store) GetActiveMember(ctx context.Context, tenantID, referenceID string) (map[string]any, error) {
	rows, err := s.RawQuery(ctx,
		"SELECT id, reference_id, tenant_id, email, name, role, active FROM members WHERE reference_id = ? AND tenant_id = ? AND active = 1",
		referenceID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("member %s in tenant %s: %w", referenceID, tenantID, ErrNotFound)
	}
	row := rows[0]
	for key, val := range row {
		if b, ok := val.([]byte); ok {
			row[key] = string(b)
		}
	}
	return row, nil
}

// =============================================================================
// Special queries (needed by the deployment flow beyond generic CRUD)
// =============================================================================

// GetByField retrieves a row by an arbitrary field value.
func (s *Store) GetByField(ctx context.Context, resource, field string, value any) (map[string]any, error) {
	res, ok := s.schema[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}

	cols := s.selectColumns(res)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", cols, resource, field)

	row := s.db.QueryRowxContext(ctx, query, value)
	result := make(map[string]any)
	if err := row.MapScan(result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s=%v: %w", resource, field, value, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s by %s: %w", resource, field, err)
	}

	s.decodeRow(res, result)
	return result, nil
}

// GetByTwoFields retrieves a row by two field values (AND).
func (s *Store) GetByTwoFields(ctx context.Context, resource, field1 string, value1 any, field2 string, value2 any) (map[string]any, error) {
	res, ok := s.schema[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}

	cols := s.selectColumns(res)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? AND %s = ?", cols, resource, field1, field2)

	row := s.db.QueryRowxContext(ctx, query, value1, value2)
	result := make(map[string]any)
	if err := row.MapScan(result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", resource, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", resource, err)
	}

	s.decodeRow(res, result)
	return result, nil
}

// ActiveCodesIn returns the values of a resource's code column for active rows
// of the given tenant whose code is in the candidate set. Used by the
// already-deployed filter.
func (s *Store) ActiveCodesIn(ctx context.Context, resource, tenantID string, codes []string) ([]string, error) {
	if _, ok := s.schema[resource]; !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}
	if len(codes) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(codes))
	args := make([]any, 0, len(codes)+1)
	args = append(args, tenantID)
	for i, code := range codes {
		placeholders[i] = "?"
		args = append(args, code)
	}

	query := fmt.Sprintf(
		"SELECT code FROM %s WHERE tenant_id = ? AND active = 1 AND code IN (%s)",
		resource, strings.Join(placeholders, ","))

	var found []string
	if err := s.db.SelectContext(ctx, &found, query, args...); err != nil {
		return nil, fmt.Errorf("active codes %s: %w", resource, err)
	}
	return found, nil
}

// RawQuery executes a raw SQL query and returns rows as maps.
func (s *Store) RawQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// RawExec executes a raw SQL statement.
func (s *Store) RawExec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// =============================================================================
// Helpers
// =============================================================================

// selectColumns returns the SELECT column list for a resource.
func (s *Store) selectColumns(res *Resource) string {
	cols := []string{"id", "reference_id"}
	for _, f := range res.Fields {
		cols = append(cols, f.Name)
	}
	cols = append(cols, "created_at", "updated_at")
	return strings.Join(cols, ", ")
}

// encodeJSONFields JSON-encodes values destined for JSON columns.
func (s *Store) encodeJSONFields(res *Resource, data map[string]any) error {
	for _, f := range res.Fields {
		if f.Type != TypeJSON {
			continue
		}
		if v, ok := data[f.Name]; ok && v != nil {
			switch val := v.(type) {
			case string:
				// already encoded, keep as-is
			case []byte:
				data[f.Name] = string(val)
			default:
				b, err := json.Marshal(val)
				if err != nil {
					return fmt.Errorf("failed to marshal %s: %w", f.Name, err)
				}
				data[f.Name] = string(b)
			}
		}
	}
	return nil
}

// decodeRow converts SQLite types to Go types (especially []byte → string, JSON strings → parsed).
func (s *Store) decodeRow(res *Resource, row map[string]any) {
	// Convert []byte to string for all text columns
	for key, val := range row {
		if b, ok := val.([]byte); ok {
			row[key] = string(b)
		}
	}

	// Coerce bool fields from SQLite integer (0/1) to Go bool
	for _, f := range res.Fields {
		if f.Type == TypeBool {
			if v, ok := row[f.Name]; ok {
				switch val := v.(type) {
				case int64:
					row[f.Name] = val != 0
				case int:
					row[f.Name] = val != 0
				case float64:
					row[f.Name] = val != 0
				}
			}
		}
	}

	// Parse JSON fields
	for _, f := range res.Fields {
		if f.Type == TypeJSON {
			if v, ok := row[f.Name]; ok {
				if str, ok := v.(string); ok && str != "" {
					var parsed any
					if err := json.Unmarshal([]byte(str), &parsed); err == nil {
						row[f.Name] = parsed
					}
				}
			}
		}
	}

	// Parse timestamps
	for _, name := range []string{"created_at", "updated_at"} {
		if v, ok := row[name]; ok {
			if str, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339, str); err == nil {
					row[name] = t
				} else if t, err := time.Parse("2006-01-02 15:04:05", str); err == nil {
					row[name] = t
				}
			}
		}
	}
	for _, f := range res.Fields {
		if f.Type == TypeTimestamp {
			if v, ok := row[f.Name]; ok {
				if str, ok := v.(string); ok && str != "" {
					if t, err := time.Parse(time.RFC3339, str); err == nil {
						row[f.Name] = t
					} else if t, err := time.Parse("2006-01-02 15:04:05", str); err == nil {
						row[f.Name] = t
					}
				}
			}
		}
	}
}

// validate validates field constraints on the data.
func (s *Store) validate(res *Resource, data map[string]any) error {
	for _, f := range res.Fields {
		v, exists := data[f.Name]

		if f.Required && (!exists || v == nil || v == "") {
			return fmt.Errorf("%w: %s is required", ErrValidation, f.Name)
		}

		if !exists || v == nil {
			continue
		}

		// String validations
		if str, ok := v.(string); ok {
			if f.MinLen != nil && len(str) < *f.MinLen {
				return fmt.Errorf("%w: %s must be at least %d characters", ErrValidation, f.Name, *f.MinLen)
			}
			if f.MaxLen != nil && len(str) > *f.MaxLen {
				return fmt.Errorf("%w: %s must be at most %d characters", ErrValidation, f.Name, *f.MaxLen)
			}
			if f.Pattern != nil && !f.Pattern.MatchString(str) {
				return fmt.Errorf("%w: %s has invalid format", ErrValidation, f.Name)
			}
		}

		// Int validations
		if f.MinInt != nil {
			if intVal, ok := toInt64(v); ok && intVal < *f.MinInt {
				return fmt.Errorf("%w: %s must be >= %d", ErrValidation, f.Name, *f.MinInt)
			}
		}
		if f.MaxInt != nil {
			if intVal, ok := toInt64(v); ok && intVal > *f.MaxInt {
				return fmt.Errorf("%w: %s must be <= %d", ErrValidation, f.Name, *f.MaxInt)
			}
		}
	}
	return nil
}

func strVal(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return ""
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case float64:
		return int64(val), true
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}
