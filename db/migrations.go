package db

import (
	"database/sql"
	"log"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		avatar_url TEXT DEFAULT '',
		bot INTEGER DEFAULT 0,
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL,
		drop_dm_from_unknown INTEGER DEFAULT 0,
		email TEXT DEFAULT '',
		chat_webhook_url TEXT DEFAULT '',
		timeline_touched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT DEFAULT '',
		shared_inbox_uri TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT DEFAULT '',
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_actors_actor_uri ON remote_actors(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_actors_domain ON remote_actors(domain);
	`

	// Objects are keyed both by IRI and by its fingerprint
	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		fingerprint TEXT UNIQUE NOT NULL,
		object_type TEXT DEFAULT '',
		attributed_to TEXT DEFAULT '',
		in_reply_to TEXT DEFAULT '',
		raw_json TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_fingerprint ON objects(fingerprint);
		CREATE INDEX IF NOT EXISTS idx_objects_in_reply_to ON objects(in_reply_to);
		CREATE INDEX IF NOT EXISTS idx_objects_attributed_to ON objects(attributed_to);
	`

	sqlCreateTimelineTable = `CREATE TABLE IF NOT EXISTS timeline (
		account_id TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		hidden INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (account_id, object_uri)
	)`

	sqlCreateTimelineIndices = `
		CREATE INDEX IF NOT EXISTS idx_timeline_account_created ON timeline(account_id, created_at DESC);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		direction TEXT NOT NULL,
		uri TEXT DEFAULT '',
		accepted INTEGER DEFAULT 0,
		raw_json TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (account_id, actor_uri, direction)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_dir ON follows(account_id, direction);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	// An actor counts at most once per object per kind
	sqlCreateAdmirationsTable = `CREATE TABLE IF NOT EXISTS admirations (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (object_uri, actor_uri, kind)
	)`

	sqlCreateAdmirationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_admirations_object ON admirations(object_uri);
	`

	// muted/limited flags per account and remote actor
	sqlCreateActorPoliciesTable = `CREATE TABLE IF NOT EXISTS actor_policies (
		account_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		muted INTEGER DEFAULT 0,
		limited INTEGER DEFAULT 0,
		PRIMARY KEY (account_id, actor_uri)
	)`

	sqlCreateHiddenTable = `CREATE TABLE IF NOT EXISTS hidden (
		account_id TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		PRIMARY KEY (account_id, object_uri)
	)`

	sqlCreateQueueTable = `CREATE TABLE IF NOT EXISTS queue (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		account_id TEXT DEFAULT '',
		inbox_uri TEXT DEFAULT '',
		key_id TEXT DEFAULT '',
		payload TEXT DEFAULT '',
		req_meta TEXT DEFAULT '',
		retries INTEGER DEFAULT 0,
		last_status INTEGER DEFAULT 0,
		next_try_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_queue_next_try ON queue(next_try_at);
		CREATE INDEX IF NOT EXISTS idx_queue_account ON queue(account_id);
	`

	// shared inboxes collected from resolved actors, for public fan-out
	sqlCreateSharedInboxesTable = `CREATE TABLE IF NOT EXISTS shared_inboxes (
		inbox_uri TEXT NOT NULL PRIMARY KEY,
		seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateWebfingerCacheTable = `CREATE TABLE IF NOT EXISTS webfinger_cache (
		query TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		handle TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		type TEXT NOT NULL,
		object_type TEXT DEFAULT '',
		actor_uri TEXT DEFAULT '',
		object_uri TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotificationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_notifications_account ON notifications(account_id, created_at DESC);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			stmt string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"remote_actors", sqlCreateRemoteActorsTable},
			{"objects", sqlCreateObjectsTable},
			{"timeline", sqlCreateTimelineTable},
			{"follows", sqlCreateFollowsTable},
			{"admirations", sqlCreateAdmirationsTable},
			{"actor_policies", sqlCreateActorPoliciesTable},
			{"hidden", sqlCreateHiddenTable},
			{"queue", sqlCreateQueueTable},
			{"shared_inboxes", sqlCreateSharedInboxesTable},
			{"webfinger_cache", sqlCreateWebfingerCacheTable},
			{"notifications", sqlCreateNotificationsTable},
		}

		for _, t := range tables {
			if _, err := tx.Exec(t.stmt); err != nil {
				log.Printf("Error creating table %s: %v", t.name, err)
				return err
			}
		}

		indices := []string{
			sqlCreateRemoteActorsIndices,
			sqlCreateObjectsIndices,
			sqlCreateTimelineIndices,
			sqlCreateFollowsIndices,
			sqlCreateAdmirationsIndices,
			sqlCreateQueueIndices,
			sqlCreateNotificationsIndices,
		}

		for _, stmt := range indices {
			if _, err := tx.Exec(stmt); err != nil {
				log.Printf("Warning: Failed to create indices: %v", err)
			}
		}

		return nil
	})
}
