package db

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and applies the schema.
func Open(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sdb.SetMaxOpenConns(25)
	sdb.SetMaxIdleConns(5)
	sdb.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sdb.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	// Optimize PRAGMAs for a concurrent federation workload
	sdb.Exec("PRAGMA synchronous = NORMAL")
	sdb.Exec("PRAGMA cache_size = -64000")
	sdb.Exec("PRAGMA temp_store = MEMORY")
	sdb.Exec("PRAGMA busy_timeout = 5000")
	sdb.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sdb}

	if err := db.RunMigrations(); err != nil {
		sdb.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the underlying handle
func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			log.Printf("error in transaction: %s", err)
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

// Accounts queries
const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, display_name, summary, avatar_url, bot,
                        web_public_key, web_private_key, drop_dm_from_unknown, email, chat_webhook_url, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccount = `SELECT id, username, display_name, summary, avatar_url, bot,
                        web_public_key, web_private_key, drop_dm_from_unknown, email, chat_webhook_url, created_at
                        FROM accounts`
	sqlSelectAccountByUsername = sqlSelectAccount + ` WHERE username = ?`
	sqlSelectAccountById       = sqlSelectAccount + ` WHERE id = ?`
	sqlUpdateAccountProfile    = `UPDATE accounts SET display_name = ?, summary = ?, avatar_url = ?, bot = ?,
                        drop_dm_from_unknown = ?, email = ?, chat_webhook_url = ? WHERE id = ?`
)

func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.AvatarURL,
			acc.Bot,
			acc.WebPublicKey,
			acc.WebPrivateKey,
			acc.DropDMFromUnknown,
			acc.Email,
			acc.ChatWebhookURL,
			acc.CreatedAt,
		)
		return err
	})
}

func (db *DB) UpdateAccountProfile(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateAccountProfile,
			acc.DisplayName,
			acc.Summary,
			acc.AvatarURL,
			acc.Bot,
			acc.DropDMFromUnknown,
			acc.Email,
			acc.ChatWebhookURL,
			acc.Id.String(),
		)
		return err
	})
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.DisplayName,
		&acc.Summary,
		&acc.AvatarURL,
		&acc.Bot,
		&acc.WebPublicKey,
		&acc.WebPrivateKey,
		&acc.DropDMFromUnknown,
		&acc.Email,
		&acc.ChatWebhookURL,
		&acc.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	return scanAccount(db.db.QueryRow(sqlSelectAccountByUsername, username))
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	return scanAccount(db.db.QueryRow(sqlSelectAccountById, id.String()))
}

func (db *DB) ReadAllAccounts() (error, *[]domain.Account) {
	rows, err := db.db.Query(sqlSelectAccount)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var accs []domain.Account
	for rows.Next() {
		var acc domain.Account
		var idStr string
		if err := rows.Scan(&idStr, &acc.Username, &acc.DisplayName, &acc.Summary, &acc.AvatarURL,
			&acc.Bot, &acc.WebPublicKey, &acc.WebPrivateKey, &acc.DropDMFromUnknown,
			&acc.Email, &acc.ChatWebhookURL, &acc.CreatedAt); err != nil {
			return err, &accs
		}
		acc.Id, _ = uuid.Parse(idStr)
		accs = append(accs, acc)
	}
	if err = rows.Err(); err != nil {
		return err, &accs
	}
	return nil, &accs
}
