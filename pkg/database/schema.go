package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that the live database matches what the store expects
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredColumns = map[string]map[string]string{
	"groups": {
		"id":             "TEXT",
		"name":           "TEXT",
		"owner_id":       "TEXT",
		"invite_code":    "TEXT",
		"settings":       "TEXT",
		"moderators":     "TEXT",
		"members":        "TEXT",
		"encryption_key": "TEXT",
		"created_at":     "INTEGER",
		"last_activity":  "INTEGER",
	},
	"messages": {
		"id":           "TEXT",
		"group_id":     "TEXT",
		"sender_id":    "TEXT",
		"sender_name":  "TEXT",
		"text":         "TEXT",
		"is_encrypted": "INTEGER",
		"created_at":   "INTEGER",
		"attachments":  "TEXT",
		"reactions":    "TEXT",
		"read_by":      "TEXT",
		"edit_history": "TEXT",
		"pinned":       "INTEGER",
		"reply_to":     "TEXT",
	},
}

var requiredIndexes = []string{
	"idx_messages_group_time",
	"idx_messages_group_pinned",
	"idx_groups_invite_code",
}

// Validate runs every structural check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTables(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTables verifies required tables and their column types
// TECHNICAL DISCOVERY: column types are compared literally against PRAGMA
// table_info, so the migration DDL must spell types exactly as listed
func (v *SchemaValidator) ValidateTables() error {
	for table, columns := range requiredColumns {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies the indexes the message history queries rely on
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(table string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid        int
			name, kind string
			notNull    int
			dflt       any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &dflt, &pk); err != nil {
			return err
		}
		found[name] = kind
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, want := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != want {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, want)
		}
	}
	return nil
}
