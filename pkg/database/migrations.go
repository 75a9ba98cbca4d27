package database

import (
	"context"
	"fmt"
	"strings"
)

// schema is written once with dialect tokens:
// $PK   -> auto-increment primary key column definition
// $TS   -> timestamp column type
// $BOOL -> boolean column type
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id $PK,
	email TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	created_at $TS NOT NULL
);

CREATE TABLE IF NOT EXISTS user_tags (
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	created_at $TS NOT NULL,
	PRIMARY KEY (user_id, tag)
);

CREATE TABLE IF NOT EXISTS sequences (
	id $PK,
	name TEXT NOT NULL,
	slug TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	is_active $BOOL NOT NULL DEFAULT TRUE,
	trigger_tag TEXT,
	total_enrolled INTEGER NOT NULL DEFAULT 0,
	created_at $TS NOT NULL,
	updated_at $TS NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sequences_trigger_tag ON sequences(trigger_tag);

CREATE TABLE IF NOT EXISTS sequence_steps (
	id $PK,
	sequence_id BIGINT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
	step_order INTEGER NOT NULL,
	subject TEXT NOT NULL,
	body TEXT NOT NULL,
	delay_days INTEGER NOT NULL DEFAULT 0 CHECK (delay_days >= 0),
	delay_hours INTEGER NOT NULL DEFAULT 0 CHECK (delay_hours >= 0),
	is_active $BOOL NOT NULL DEFAULT TRUE,
	sent_count INTEGER NOT NULL DEFAULT 0,
	created_at $TS NOT NULL,
	UNIQUE (sequence_id, step_order)
);

CREATE TABLE IF NOT EXISTS enrollments (
	id $PK,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	sequence_id BIGINT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	next_send_at $TS,
	lease_token TEXT,
	lease_expires_at $TS,
	enrolled_at $TS NOT NULL,
	completed_at $TS,
	exited_at $TS,
	exit_reason TEXT,
	emails_received INTEGER NOT NULL DEFAULT 0,
	emails_opened INTEGER NOT NULL DEFAULT 0,
	emails_clicked INTEGER NOT NULL DEFAULT 0,
	updated_at $TS NOT NULL,
	UNIQUE (user_id, sequence_id)
);

CREATE INDEX IF NOT EXISTS idx_enrollments_due ON enrollments(status, next_send_at);

CREATE TABLE IF NOT EXISTS email_sends (
	id $PK,
	enrollment_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	step_id BIGINT,
	provider_message_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	subject TEXT NOT NULL,
	status TEXT NOT NULL,
	sent_at $TS NOT NULL,
	opened_at $TS,
	clicked_at $TS
);

CREATE INDEX IF NOT EXISTS idx_email_sends_provider ON email_sends(provider_message_id);
CREATE INDEX IF NOT EXISTS idx_email_sends_enrollment ON email_sends(enrollment_id);

CREATE TABLE IF NOT EXISTS send_outbox (
	id $PK,
	enrollment_id BIGINT NOT NULL,
	step_id BIGINT NOT NULL,
	step_index INTEGER NOT NULL,
	recipient TEXT NOT NULL,
	subject TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 1,
	last_error TEXT NOT NULL DEFAULT '',
	provider_message_id TEXT NOT NULL DEFAULT '',
	created_at $TS NOT NULL,
	processed_at $TS
);

CREATE INDEX IF NOT EXISTS idx_send_outbox_status ON send_outbox(status, created_at);
`

func schemaFor(driver string) (string, error) {
	var r *strings.Replacer
	switch driver {
	case DriverPostgres:
		r = strings.NewReplacer("$PK", "BIGSERIAL PRIMARY KEY", "$TS", "TIMESTAMPTZ", "$BOOL", "BOOLEAN")
	case DriverSQLite:
		r = strings.NewReplacer("$PK", "INTEGER PRIMARY KEY AUTOINCREMENT", "$TS", "DATETIME", "$BOOL", "BOOLEAN")
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
	return r.Replace(schema), nil
}

// Migrate creates every table and index that does not exist yet
func (c *Client) Migrate(ctx context.Context) error {
	ddl, err := schemaFor(c.driver)
	if err != nil {
		return err
	}

	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed on %q: %w", firstLine(stmt), err)
		}
	}

	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
