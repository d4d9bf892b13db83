package database

import "context"

// Thread is a forum post, joined with its author's display name
type Thread struct {
	ID         int64
	AuthorID   int64
	AuthorName string
	Title      string
	Body       string
	CreatedAt  int64 // Unix timestamp in milliseconds
}

// PostThread creates a thread authored by authorID
func (db *DB) PostThread(ctx context.Context, authorID int64, title, body string) (*Thread, error) {
	user, err := db.GetUserByID(ctx, authorID)
	if err != nil {
		return nil, err
	}

	t := &Thread{
		AuthorID:   authorID,
		AuthorName: user.DisplayName,
		Title:      title,
		Body:       body,
		CreatedAt:  nowMillis(),
	}
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Thread (author_id, title, body, created_at) VALUES (?, ?, ?, ?)
	`, authorID, title, body, t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListThreads returns the newest threads first
func (db *DB) ListThreads(ctx context.Context, limit int) ([]*Thread, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT t.id, t.author_id, u.display_name, t.title, t.body, t.created_at
		FROM Thread t
		JOIN User u ON u.id = t.author_id
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.AuthorID, &t.AuthorName, &t.Title, &t.Body, &t.CreatedAt); err != nil {
			return nil, err
		}
		threads = append(threads, &t)
	}
	return threads, rows.Err()
}
