package db

import (
	"database/sql"
	"log"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Objects, timeline and notifications queries
const (
	sqlInsertObject = `INSERT INTO objects(id, uri, fingerprint, object_type, attributed_to, in_reply_to, raw_json, created_at, updated_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpsertObject = `INSERT INTO objects(id, uri, fingerprint, object_type, attributed_to, in_reply_to, raw_json, created_at, updated_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
                        ON CONFLICT(uri) DO UPDATE SET
                        object_type = excluded.object_type,
                        attributed_to = excluded.attributed_to,
                        in_reply_to = excluded.in_reply_to,
                        raw_json = excluded.raw_json,
                        updated_at = excluded.updated_at`
	sqlSelectObject = `SELECT id, uri, fingerprint, object_type, attributed_to, in_reply_to, raw_json, created_at, updated_at
                        FROM objects`
	sqlSelectObjectByURI         = sqlSelectObject + ` WHERE uri = ?`
	sqlSelectObjectByFingerprint = sqlSelectObject + ` WHERE fingerprint = ?`
	sqlSelectObjectChildren      = sqlSelectObject + ` WHERE in_reply_to = ? ORDER BY created_at ASC`
	sqlSelectObjectsByAuthor     = sqlSelectObject + ` WHERE attributed_to = ? ORDER BY created_at DESC LIMIT ?`
	sqlObjectExists              = `SELECT COUNT(*) FROM objects WHERE uri = ?`
	sqlDeleteObject              = `DELETE FROM objects WHERE uri = ?`

	sqlInsertTimelineEntry = `INSERT OR IGNORE INTO timeline(account_id, object_uri, fingerprint) VALUES (?, ?, ?)`
	sqlDeleteTimelineEntry = `DELETE FROM timeline WHERE account_id = ? AND object_uri = ?`
	sqlTimelineContains    = `SELECT COUNT(*) FROM timeline WHERE account_id = ? AND object_uri = ?`
	sqlSelectTimeline      = `SELECT o.id, o.uri, o.fingerprint, o.object_type, o.attributed_to, o.in_reply_to, o.raw_json, o.created_at, o.updated_at
                        FROM timeline t JOIN objects o ON o.uri = t.object_uri
                        WHERE t.account_id = ? ORDER BY t.created_at DESC LIMIT ?`
	sqlTouchTimeline = `UPDATE accounts SET timeline_touched_at = CURRENT_TIMESTAMP WHERE id = ?`

	sqlInsertHidden = `INSERT OR IGNORE INTO hidden(account_id, object_uri) VALUES (?, ?)`
	sqlIsHidden     = `SELECT COUNT(*) FROM hidden WHERE account_id = ? AND object_uri = ?`

	sqlInsertNotification = `INSERT INTO notifications(id, account_id, type, object_type, actor_uri, object_uri, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNotifications = `SELECT id, account_id, type, object_type, actor_uri, object_uri, created_at
                        FROM notifications WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`
)

// CreateObject stores a new object, failing if the IRI is already known.
func (db *DB) CreateObject(obj *domain.Object) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertObject,
			obj.Id.String(),
			obj.URI,
			obj.Fingerprint,
			obj.ObjectType,
			obj.AttributedTo,
			obj.InReplyTo,
			obj.RawJSON,
			obj.CreatedAt,
			obj.UpdatedAt,
		)
		return err
	})
}

// UpsertObject stores an object, overwriting any previous version of the
// same IRI (Update handling).
func (db *DB) UpsertObject(obj *domain.Object) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertObject,
			obj.Id.String(),
			obj.URI,
			obj.Fingerprint,
			obj.ObjectType,
			obj.AttributedTo,
			obj.InReplyTo,
			obj.RawJSON,
			obj.CreatedAt,
			obj.UpdatedAt,
		)
		return err
	})
}

func scanObject(row *sql.Row) (error, *domain.Object) {
	var obj domain.Object
	var idStr string
	err := row.Scan(
		&idStr,
		&obj.URI,
		&obj.Fingerprint,
		&obj.ObjectType,
		&obj.AttributedTo,
		&obj.InReplyTo,
		&obj.RawJSON,
		&obj.CreatedAt,
		&obj.UpdatedAt,
	)
	if err != nil {
		return err, nil
	}
	obj.Id, _ = uuid.Parse(idStr)
	return nil, &obj
}

func (db *DB) ReadObjectByURI(uri string) (error, *domain.Object) {
	return scanObject(db.db.QueryRow(sqlSelectObjectByURI, uri))
}

func (db *DB) ReadObjectByFingerprint(fp string) (error, *domain.Object) {
	return scanObject(db.db.QueryRow(sqlSelectObjectByFingerprint, fp))
}

func (db *DB) ObjectExists(uri string) (bool, error) {
	var count int
	if err := db.db.QueryRow(sqlObjectExists, uri).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ReadObjectChildren returns the stored direct replies of an object,
// oldest first. Poll recounts walk these.
func (db *DB) ReadObjectChildren(uri string) (error, *[]domain.Object) {
	rows, err := db.db.Query(sqlSelectObjectChildren, uri)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var objs []domain.Object
	for rows.Next() {
		var obj domain.Object
		var idStr string
		if err := rows.Scan(&idStr, &obj.URI, &obj.Fingerprint, &obj.ObjectType, &obj.AttributedTo,
			&obj.InReplyTo, &obj.RawJSON, &obj.CreatedAt, &obj.UpdatedAt); err != nil {
			return err, &objs
		}
		obj.Id, _ = uuid.Parse(idStr)
		objs = append(objs, obj)
	}
	if err = rows.Err(); err != nil {
		return err, &objs
	}
	return nil, &objs
}

// ReadObjectsByAuthor returns an actor's stored objects, newest first
func (db *DB) ReadObjectsByAuthor(attributedTo string, limit int) (error, *[]domain.Object) {
	rows, err := db.db.Query(sqlSelectObjectsByAuthor, attributedTo, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var objs []domain.Object
	for rows.Next() {
		var obj domain.Object
		var idStr string
		if err := rows.Scan(&idStr, &obj.URI, &obj.Fingerprint, &obj.ObjectType, &obj.AttributedTo,
			&obj.InReplyTo, &obj.RawJSON, &obj.CreatedAt, &obj.UpdatedAt); err != nil {
			return err, &objs
		}
		obj.Id, _ = uuid.Parse(idStr)
		objs = append(objs, obj)
	}
	if err = rows.Err(); err != nil {
		return err, &objs
	}
	return nil, &objs
}

func (db *DB) DeleteObject(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteObject, uri)
		return err
	})
}

// AddToTimeline links an object into an account's timeline. Returns true
// only on first insertion, so callers can notify exactly once.
func (db *DB) AddToTimeline(accountId uuid.UUID, objectURI string, fingerprint string) (bool, error) {
	var added bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertTimelineEntry, accountId.String(), objectURI, fingerprint)
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

func (db *DB) RemoveFromTimeline(accountId uuid.UUID, objectURI string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteTimelineEntry, accountId.String(), objectURI)
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

func (db *DB) InTimeline(accountId uuid.UUID, objectURI string) (bool, error) {
	var count int
	if err := db.db.QueryRow(sqlTimelineContains, accountId.String(), objectURI).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) ReadTimeline(accountId uuid.UUID, limit int) (error, *[]domain.Object) {
	rows, err := db.db.Query(sqlSelectTimeline, accountId.String(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var objs []domain.Object
	for rows.Next() {
		var obj domain.Object
		var idStr string
		if err := rows.Scan(&idStr, &obj.URI, &obj.Fingerprint, &obj.ObjectType, &obj.AttributedTo,
			&obj.InReplyTo, &obj.RawJSON, &obj.CreatedAt, &obj.UpdatedAt); err != nil {
			return err, &objs
		}
		obj.Id, _ = uuid.Parse(idStr)
		objs = append(objs, obj)
	}
	if err = rows.Err(); err != nil {
		return err, &objs
	}
	return nil, &objs
}

// TouchTimeline bumps the account's timeline freshness marker, the signal
// downstream caches key on.
func (db *DB) TouchTimeline(accountId uuid.UUID) {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTouchTimeline, accountId.String())
		return err
	})
	if err != nil {
		log.Printf("Db: could not touch timeline for %s: %v", accountId, err)
	}
}

func (db *DB) HideObject(accountId uuid.UUID, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertHidden, accountId.String(), objectURI)
		return err
	})
}

func (db *DB) IsHidden(accountId uuid.UUID, objectURI string) (bool, error) {
	var count int
	if err := db.db.QueryRow(sqlIsHidden, accountId.String(), objectURI).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) CreateNotification(n *domain.Notification) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertNotification,
			n.Id.String(),
			n.AccountId.String(),
			n.Type,
			n.ObjectType,
			n.ActorURI,
			n.ObjectURI,
			n.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadNotifications(accountId uuid.UUID, limit int) (error, *[]domain.Notification) {
	rows, err := db.db.Query(sqlSelectNotifications, accountId.String(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var notes []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var idStr, accStr string
		if err := rows.Scan(&idStr, &accStr, &n.Type, &n.ObjectType, &n.ActorURI, &n.ObjectURI, &n.CreatedAt); err != nil {
			return err, &notes
		}
		n.Id, _ = uuid.Parse(idStr)
		n.AccountId, _ = uuid.Parse(accStr)
		notes = append(notes, n)
	}
	if err = rows.Err(); err != nil {
		return err, &notes
	}
	return nil, &notes
}
