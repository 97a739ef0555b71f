package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	uid          TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	preference   TEXT NOT NULL DEFAULT 'sms',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	uid              TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	parent_uid       TEXT NOT NULL DEFAULT '',
	reminder_minutes INTEGER NOT NULL DEFAULT 0,
	version          INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
	group_uid  TEXT NOT NULL,
	user_uid   TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT 'member',
	created_at DATETIME NOT NULL,
	PRIMARY KEY (group_uid, user_uid)
);

CREATE TABLE IF NOT EXISTS todos (
	uid                  TEXT PRIMARY KEY,
	group_uid            TEXT NOT NULL,
	created_by_uid       TEXT NOT NULL,
	message              TEXT NOT NULL,
	deadline_at          DATETIME NOT NULL,
	reminder_type        TEXT NOT NULL DEFAULT 'disabled',
	reminder_minutes     INTEGER NOT NULL DEFAULT 0,
	reminder_active      INTEGER NOT NULL DEFAULT 0,
	reminders_left       INTEGER NOT NULL DEFAULT 0,
	scheduled_reminder_at DATETIME,
	status               TEXT NOT NULL DEFAULT 'open',
	completed_at         DATETIME,
	replicated_group_uid TEXT NOT NULL DEFAULT '',
	version              INTEGER NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS todo_confirmations (
	todo_uid     TEXT NOT NULL,
	user_uid     TEXT NOT NULL,
	confirmed_at DATETIME NOT NULL,
	PRIMARY KEY (todo_uid, user_uid)
);

CREATE TABLE IF NOT EXISTS events (
	uid                  TEXT PRIMARY KEY,
	event_type           TEXT NOT NULL,
	group_uid            TEXT NOT NULL,
	created_by_uid       TEXT NOT NULL,
	name                 TEXT NOT NULL,
	starts_at            DATETIME NOT NULL,
	reminder_type        TEXT NOT NULL DEFAULT 'disabled',
	reminder_minutes     INTEGER NOT NULL DEFAULT 0,
	reminder_active      INTEGER NOT NULL DEFAULT 0,
	reminders_left       INTEGER NOT NULL DEFAULT 0,
	scheduled_reminder_at DATETIME,
	status               TEXT NOT NULL DEFAULT 'open',
	version              INTEGER NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS action_logs (
	uid         TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	subtype     TEXT NOT NULL,
	actor_uid   TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	task_uid    TEXT NOT NULL DEFAULT '',
	group_uid   TEXT NOT NULL DEFAULT '',
	target_uid  TEXT NOT NULL DEFAULT '',
	account_uid TEXT NOT NULL DEFAULT '',
	user_uid    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	response    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS notifications (
	uid                TEXT PRIMARY KEY,
	kind               TEXT NOT NULL,
	target_uid         TEXT NOT NULL,
	message            TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 1,
	route              TEXT NOT NULL DEFAULT 'sms',
	created_at         DATETIME NOT NULL,
	log_kind           TEXT NOT NULL,
	log_uid            TEXT NOT NULL,
	next_attempt_at    DATETIME,
	last_attempt_at    DATETIME,
	attempt_count      INTEGER NOT NULL DEFAULT 0,
	delivered          INTEGER NOT NULL DEFAULT 0,
	read               INTEGER NOT NULL DEFAULT 0,
	dead_lettered_at   DATETIME,
	dead_letter_reason TEXT,
	claimed_by         TEXT,
	claimed_until      DATETIME
);

CREATE TABLE IF NOT EXISTS notification_send_errors (
	notification_uid TEXT NOT NULL,
	error_time       DATETIME NOT NULL,
	error_message    TEXT NOT NULL,
	status_before    TEXT NOT NULL,
	status_after     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_groups_parent ON groups(parent_uid);
CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_uid);
CREATE INDEX IF NOT EXISTS idx_todos_reminder ON todos(status, reminder_active, scheduled_reminder_at);
CREATE INDEX IF NOT EXISTS idx_todos_replication ON todos(message, created_at);
CREATE INDEX IF NOT EXISTS idx_events_reminder ON events(status, reminder_active, scheduled_reminder_at);
CREATE INDEX IF NOT EXISTS idx_logs_task ON action_logs(task_uid);
CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(delivered, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_notifications_log ON notifications(log_uid);
CREATE INDEX IF NOT EXISTS idx_send_errors_notification ON notification_send_errors(notification_uid);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
