package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBookUnavailable indicates every copy of a book is on loan (or the caller already holds one).
	ErrBookUnavailable = errors.New("book unavailable")
	// ErrLoanLimit indicates the user already holds MaxLoans books.
	ErrLoanLimit = errors.New("loan limit reached")
	// ErrNotBorrowed indicates a return for a book the user does not hold.
	ErrNotBorrowed = errors.New("book not borrowed by user")
	// ErrCourseFull indicates the course has no free seats.
	ErrCourseFull = errors.New("course full")
	// ErrAlreadyEnrolled indicates the user is already enrolled in the course.
	ErrAlreadyEnrolled = errors.New("already enrolled")
	// ErrOutOfStock indicates the product cannot cover the requested quantity.
	ErrOutOfStock = errors.New("out of stock")
	// ErrInvalidQuantity indicates a non-positive order quantity.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// MaxLoans is the number of books a user may hold at once.
const MaxLoans = 5

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers in WAL mode, one writer
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure read pool: %w", err)
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Exactly 1 connection, no pooling
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- User table: campus identities, id is the campus card number
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY,
	display_name TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'student',
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Book (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	author TEXT NOT NULL,
	copies INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS Loan (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	loaned_at INTEGER NOT NULL,
	returned_at INTEGER,
	FOREIGN KEY (book_id) REFERENCES Book(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Course (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	capacity INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Enrollment (
	course_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	enrolled_at INTEGER NOT NULL,
	PRIMARY KEY (course_id, user_id),
	FOREIGN KEY (course_id) REFERENCES Course(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Thread (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	author_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (author_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Product (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	price_cents INTEGER NOT NULL,
	stock INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	product_id INTEGER NOT NULL,
	quantity INTEGER NOT NULL,
	total_cents INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE,
	FOREIGN KEY (product_id) REFERENCES Product(id)
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_loans_open ON Loan(user_id, book_id) WHERE returned_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_enrollment_user ON Enrollment(user_id);
CREATE INDEX IF NOT EXISTS idx_threads_created ON Thread(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_orders_user ON Orders(user_id, created_at DESC);
`

	_, err := db.writeConn.Exec(schema)
	return err
}

// User represents a campus account
type User struct {
	ID           int64
	DisplayName  string
	Role         string // "student", "staff" or "admin"
	PasswordHash string // bcrypt hash
	CreatedAt    int64  // Unix timestamp in milliseconds
	LastSeen     int64  // Unix timestamp in milliseconds
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// CreateUser inserts a user with an explicit campus id
func (db *DB) CreateUser(ctx context.Context, id int64, displayName, role, passwordHash string) error {
	now := nowMillis()
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO User (id, display_name, role, password_hash, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, displayName, role, passwordHash, now, now)
	return err // UNIQUE constraint violation if id taken
}

// GetUserByID retrieves a user by campus id
func (db *DB) GetUserByID(ctx context.Context, userID int64) (*User, error) {
	var user User
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, display_name, role, password_hash, created_at, last_seen
		FROM User
		WHERE id = ?
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Role, &user.PasswordHash, &user.CreatedAt, &user.LastSeen)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUserLastSeen stamps the user's last successful login
func (db *DB) UpdateUserLastSeen(ctx context.Context, userID int64) error {
	_, err := db.writeConn.ExecContext(ctx, `UPDATE User SET last_seen = ? WHERE id = ?`, nowMillis(), userID)
	return err
}

// CountUsers returns the number of accounts
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM User`).Scan(&n)
	return n, err
}

// withTx runs fn in a transaction on the write connection.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
