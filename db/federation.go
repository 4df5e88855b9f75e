package db

import (
	"database/sql"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Remote actors, follow edges, admirations, policies, shared inboxes and
// the webfinger cache
const (
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(id, username, domain, actor_uri, display_name, summary,
                        inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                        ON CONFLICT(actor_uri) DO UPDATE SET
                        username = excluded.username,
                        domain = excluded.domain,
                        display_name = excluded.display_name,
                        summary = excluded.summary,
                        inbox_uri = excluded.inbox_uri,
                        outbox_uri = excluded.outbox_uri,
                        shared_inbox_uri = excluded.shared_inbox_uri,
                        public_key_pem = excluded.public_key_pem,
                        avatar_url = excluded.avatar_url,
                        last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteActor = `SELECT id, username, domain, actor_uri, display_name, summary,
                        inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at
                        FROM remote_actors WHERE actor_uri = ?`
	sqlDeleteRemoteActor = `DELETE FROM remote_actors WHERE actor_uri = ?`

	sqlUpsertFollow = `INSERT INTO follows(id, account_id, actor_uri, direction, uri, accepted, raw_json, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
                        ON CONFLICT(account_id, actor_uri, direction) DO UPDATE SET
                        uri = excluded.uri,
                        raw_json = excluded.raw_json`
	sqlSelectFollow = `SELECT id, account_id, actor_uri, direction, uri, accepted, raw_json, created_at
                        FROM follows`
	sqlSelectFollowEdge   = sqlSelectFollow + ` WHERE account_id = ? AND actor_uri = ? AND direction = ?`
	sqlSelectFollowsByDir = sqlSelectFollow + ` WHERE account_id = ? AND direction = ? ORDER BY created_at DESC`
	sqlCountFollowsByDir  = `SELECT COUNT(*) FROM follows WHERE account_id = ? AND direction = ?`
	sqlDeleteFollow       = `DELETE FROM follows WHERE account_id = ? AND actor_uri = ? AND direction = ?`
	sqlAcceptFollow       = `UPDATE follows SET accepted = 1 WHERE account_id = ? AND uri = ? AND direction = ?`

	sqlInsertAdmiration = `INSERT OR IGNORE INTO admirations(id, account_id, object_uri, actor_uri, kind, created_at)
                        VALUES (?, ?, ?, ?, ?, ?)`
	sqlDeleteAdmiration = `DELETE FROM admirations WHERE object_uri = ? AND actor_uri = ? AND kind = ?`
	sqlCountAdmirations = `SELECT COUNT(*) FROM admirations WHERE object_uri = ? AND kind = ?`

	sqlUpsertActorPolicy = `INSERT INTO actor_policies(account_id, actor_uri, muted, limited)
                        VALUES (?, ?, ?, ?)
                        ON CONFLICT(account_id, actor_uri) DO UPDATE SET
                        muted = excluded.muted,
                        limited = excluded.limited`
	sqlSelectActorPolicy = `SELECT muted, limited FROM actor_policies WHERE account_id = ? AND actor_uri = ?`

	sqlInsertSharedInbox  = `INSERT OR IGNORE INTO shared_inboxes(inbox_uri) VALUES (?)`
	sqlSelectSharedInboxes = `SELECT inbox_uri FROM shared_inboxes`

	sqlUpsertWebfingerEntry = `INSERT INTO webfinger_cache(query, actor_uri, handle, created_at)
                        VALUES (?, ?, ?, CURRENT_TIMESTAMP)
                        ON CONFLICT(query) DO UPDATE SET
                        actor_uri = excluded.actor_uri,
                        handle = excluded.handle,
                        created_at = excluded.created_at`
	sqlSelectWebfingerEntry = `SELECT actor_uri, handle FROM webfinger_cache WHERE query = ?`
)

// UpsertRemoteActor stores or refreshes a cached remote profile.
func (db *DB) UpsertRemoteActor(actor *domain.RemoteActor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteActor,
			actor.Id.String(),
			actor.Username,
			actor.Domain,
			actor.ActorURI,
			actor.DisplayName,
			actor.Summary,
			actor.InboxURI,
			actor.OutboxURI,
			actor.SharedInboxURI,
			actor.PublicKeyPem,
			actor.AvatarURL,
			actor.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) ReadRemoteActorByURI(actorURI string) (error, *domain.RemoteActor) {
	var actor domain.RemoteActor
	var idStr string
	err := db.db.QueryRow(sqlSelectRemoteActor, actorURI).Scan(
		&idStr,
		&actor.Username,
		&actor.Domain,
		&actor.ActorURI,
		&actor.DisplayName,
		&actor.Summary,
		&actor.InboxURI,
		&actor.OutboxURI,
		&actor.SharedInboxURI,
		&actor.PublicKeyPem,
		&actor.AvatarURL,
		&actor.LastFetchedAt,
	)
	if err != nil {
		return err, nil
	}
	actor.Id, _ = uuid.Parse(idStr)
	return nil, &actor
}

func (db *DB) DeleteRemoteActor(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteActor, actorURI)
		return err
	})
}

// AddFollow stores a follow edge. A repeated Follow from the same actor in
// the same direction updates the stored activity in place, so duplicates
// stay idempotent.
func (db *DB) AddFollow(edge *domain.FollowEdge) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollow,
			edge.Id.String(),
			edge.AccountId.String(),
			edge.ActorURI,
			edge.Direction,
			edge.URI,
			edge.Accepted,
			edge.RawJSON,
			edge.CreatedAt,
		)
		return err
	})
}

func scanFollow(row *sql.Row) (error, *domain.FollowEdge) {
	var edge domain.FollowEdge
	var idStr, accStr string
	err := row.Scan(&idStr, &accStr, &edge.ActorURI, &edge.Direction, &edge.URI,
		&edge.Accepted, &edge.RawJSON, &edge.CreatedAt)
	if err != nil {
		return err, nil
	}
	edge.Id, _ = uuid.Parse(idStr)
	edge.AccountId, _ = uuid.Parse(accStr)
	return nil, &edge
}

func (db *DB) ReadFollow(accountId uuid.UUID, actorURI string, direction string) (error, *domain.FollowEdge) {
	return scanFollow(db.db.QueryRow(sqlSelectFollowEdge, accountId.String(), actorURI, direction))
}

func (db *DB) ReadFollows(accountId uuid.UUID, direction string) (error, *[]domain.FollowEdge) {
	rows, err := db.db.Query(sqlSelectFollowsByDir, accountId.String(), direction)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var edges []domain.FollowEdge
	for rows.Next() {
		var edge domain.FollowEdge
		var idStr, accStr string
		if err := rows.Scan(&idStr, &accStr, &edge.ActorURI, &edge.Direction, &edge.URI,
			&edge.Accepted, &edge.RawJSON, &edge.CreatedAt); err != nil {
			return err, &edges
		}
		edge.Id, _ = uuid.Parse(idStr)
		edge.AccountId, _ = uuid.Parse(accStr)
		edges = append(edges, edge)
	}
	if err = rows.Err(); err != nil {
		return err, &edges
	}
	return nil, &edges
}

func (db *DB) CountFollows(accountId uuid.UUID, direction string) (int, error) {
	var count int
	if err := db.db.QueryRow(sqlCountFollowsByDir, accountId.String(), direction).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (db *DB) DeleteFollow(accountId uuid.UUID, actorURI string, direction string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteFollow, accountId.String(), actorURI, direction)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// MarkFollowAccepted flips the accepted flag on the follow edge whose
// activity id matches an incoming Accept. Returns false when no edge of
// ours carries that id.
func (db *DB) MarkFollowAccepted(accountId uuid.UUID, followURI string) (bool, error) {
	var matched bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlAcceptFollow, accountId.String(), followURI, domain.FollowingEdge)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		matched = n > 0
		return nil
	})
	return matched, err
}

// AddAdmiration records a like or boost. Returns true only the first time
// this actor admires this object this way.
func (db *DB) AddAdmiration(adm *domain.Admiration) (bool, error) {
	var added bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertAdmiration,
			adm.Id.String(),
			adm.AccountId.String(),
			adm.ObjectURI,
			adm.ActorURI,
			adm.Kind,
			adm.CreatedAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		added = n > 0
		return nil
	})
	return added, err
}

func (db *DB) RemoveAdmiration(objectURI, actorURI, kind string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteAdmiration, objectURI, actorURI, kind)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

func (db *DB) CountAdmirations(objectURI, kind string) (int, error) {
	var count int
	if err := db.db.QueryRow(sqlCountAdmirations, objectURI, kind).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (db *DB) SetActorPolicy(accountId uuid.UUID, actorURI string, muted, limited bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertActorPolicy, accountId.String(), actorURI, muted, limited)
		return err
	})
}

func (db *DB) readActorPolicy(accountId uuid.UUID, actorURI string) (muted, limited bool, err error) {
	err = db.db.QueryRow(sqlSelectActorPolicy, accountId.String(), actorURI).Scan(&muted, &limited)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	return muted, limited, err
}

func (db *DB) IsMuted(accountId uuid.UUID, actorURI string) (bool, error) {
	muted, _, err := db.readActorPolicy(accountId, actorURI)
	return muted, err
}

func (db *DB) IsLimited(accountId uuid.UUID, actorURI string) (bool, error) {
	_, limited, err := db.readActorPolicy(accountId, actorURI)
	return limited, err
}

// AddSharedInbox remembers a shared inbox endpoint seen on a resolved actor.
func (db *DB) AddSharedInbox(inboxURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertSharedInbox, inboxURI)
		return err
	})
}

func (db *DB) ReadSharedInboxes() (error, *[]string) {
	rows, err := db.db.Query(sqlSelectSharedInboxes)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return err, &inboxes
		}
		inboxes = append(inboxes, uri)
	}
	if err = rows.Err(); err != nil {
		return err, &inboxes
	}
	return nil, &inboxes
}

func (db *DB) PutWebfingerEntry(query, actorURI, handle string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertWebfingerEntry, query, actorURI, handle)
		return err
	})
}

func (db *DB) ReadWebfingerEntry(query string) (actorURI, handle string, err error) {
	err = db.db.QueryRow(sqlSelectWebfingerEntry, query).Scan(&actorURI, &handle)
	return actorURI, handle, err
}
