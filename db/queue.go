package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Queue queries
const (
	sqlInsertQueueItem = `INSERT INTO queue(id, kind, account_id, inbox_uri, key_id, payload, req_meta,
                        retries, last_status, next_try_at, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectQueueItems = `SELECT id, kind, account_id, inbox_uri, key_id, payload, req_meta,
                        retries, last_status, next_try_at, created_at
                        FROM queue WHERE next_try_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlDeleteQueueItem = `DELETE FROM queue WHERE id = ?`
	sqlCountQueueItems = `SELECT COUNT(*) FROM queue`
)

// Enqueue stores a queue item. A zero NextTryAt means due immediately.
func (db *DB) Enqueue(item *domain.QueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.NextTryAt.IsZero() {
		item.NextTryAt = item.CreatedAt
	}
	accStr := ""
	if item.AccountId != uuid.Nil {
		accStr = item.AccountId.String()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertQueueItem,
			item.Id.String(),
			item.Kind,
			accStr,
			item.InboxURI,
			item.KeyId,
			item.Payload,
			item.ReqMeta,
			item.Retries,
			item.LastStatus,
			item.NextTryAt,
			item.CreatedAt,
		)
		return err
	})
}

// ReadDueQueueItems returns up to limit items due at or before now, oldest
// first so per-target delivery order holds.
func (db *DB) ReadDueQueueItems(now time.Time, limit int) (error, *[]domain.QueueItem) {
	rows, err := db.db.Query(sqlSelectQueueItems, now, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		var item domain.QueueItem
		var idStr, accStr string
		if err := rows.Scan(&idStr, &item.Kind, &accStr, &item.InboxURI, &item.KeyId,
			&item.Payload, &item.ReqMeta, &item.Retries, &item.LastStatus,
			&item.NextTryAt, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		if accStr != "" {
			item.AccountId, _ = uuid.Parse(accStr)
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

// ClaimQueueItem removes an item, reporting whether this caller got it.
// With several workers draining the same queue, only one claim succeeds.
func (db *DB) ClaimQueueItem(id uuid.UUID) (bool, error) {
	var claimed bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteQueueItem, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n > 0
		return nil
	})
	return claimed, err
}

func (db *DB) DeleteQueueItem(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteQueueItem, id.String())
		return err
	})
}

func (db *DB) CountQueueItems() (int, error) {
	var count int
	if err := db.db.QueryRow(sqlCountQueueItems).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
