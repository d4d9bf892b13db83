package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Book is a catalogue entry with its free copy count
type Book struct {
	ID        int64
	Title     string
	Author    string
	Copies    int
	Available int
}

// Loan is one open or closed borrow of a book
type Loan struct {
	ID         int64
	BookID     int64
	UserID     int64
	LoanedAt   int64
	ReturnedAt *int64
}

// CreateBook adds a catalogue entry
func (db *DB) CreateBook(ctx context.Context, title, author string, copies int) (int64, error) {
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Book (title, author, copies) VALUES (?, ?, ?)
	`, title, author, copies)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// SearchBooks matches query against title and author, case-insensitively
func (db *DB) SearchBooks(ctx context.Context, query string, limit int) ([]*Book, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	pattern := "%" + strings.ToLower(query) + "%"

	rows, err := db.conn.QueryContext(ctx, `
		SELECT b.id, b.title, b.author, b.copies,
			b.copies - (SELECT COUNT(*) FROM Loan l WHERE l.book_id = b.id AND l.returned_at IS NULL)
		FROM Book b
		WHERE lower(b.title) LIKE ? OR lower(b.author) LIKE ?
		ORDER BY b.title
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.Copies, &b.Available); err != nil {
			return nil, err
		}
		books = append(books, &b)
	}
	return books, rows.Err()
}

// BorrowBook opens a loan for userID, enforcing availability and MaxLoans
func (db *DB) BorrowBook(ctx context.Context, bookID, userID int64) (*Loan, error) {
	loan := &Loan{BookID: bookID, UserID: userID, LoanedAt: nowMillis()}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var copies, onLoan int
		err := tx.QueryRowContext(ctx, `
			SELECT b.copies, (SELECT COUNT(*) FROM Loan l WHERE l.book_id = b.id AND l.returned_at IS NULL)
			FROM Book b WHERE b.id = ?
		`, bookID).Scan(&copies, &onLoan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if onLoan >= copies {
			return ErrBookUnavailable
		}

		var held, sameBook int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(book_id = ?), 0)
			FROM Loan WHERE user_id = ? AND returned_at IS NULL
		`, bookID, userID).Scan(&held, &sameBook)
		if err != nil {
			return err
		}
		if sameBook > 0 {
			return ErrBookUnavailable
		}
		if held >= MaxLoans {
			return ErrLoanLimit
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO Loan (book_id, user_id, loaned_at) VALUES (?, ?, ?)
		`, bookID, userID, loan.LoanedAt)
		if err != nil {
			return err
		}
		loan.ID, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// ReturnBook closes userID's open loan of bookID
func (db *DB) ReturnBook(ctx context.Context, bookID, userID int64) (*Loan, error) {
	loan := &Loan{BookID: bookID, UserID: userID}
	now := nowMillis()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id, loaned_at FROM Loan
			WHERE book_id = ? AND user_id = ? AND returned_at IS NULL
		`, bookID, userID).Scan(&loan.ID, &loan.LoanedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotBorrowed
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE Loan SET returned_at = ? WHERE id = ?`, now, loan.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	loan.ReturnedAt = &now
	return loan, nil
}
