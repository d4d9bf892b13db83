package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Course is a course offering with its current head count
type Course struct {
	ID       int64
	Code     string
	Title    string
	Capacity int
	Enrolled int
}

// CreateCourse adds a course offering
func (db *DB) CreateCourse(ctx context.Context, code, title string, capacity int) (int64, error) {
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Course (code, title, capacity) VALUES (?, ?, ?)
	`, code, title, capacity)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const courseColumns = `c.id, c.code, c.title, c.capacity,
	(SELECT COUNT(*) FROM Enrollment e WHERE e.course_id = c.id)`

// ListCourses returns courses whose code or title contains query
func (db *DB) ListCourses(ctx context.Context, query string) ([]*Course, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+courseColumns+`
		FROM Course c
		WHERE lower(c.code) LIKE ? OR lower(c.title) LIKE ?
		ORDER BY c.code
	`, pattern, pattern)
	if err != nil {
		return nil, err
	}
	return scanCourses(rows)
}

// ListEnrollments returns the courses userID is enrolled in
func (db *DB) ListEnrollments(ctx context.Context, userID int64) ([]*Course, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+courseColumns+`
		FROM Course c
		JOIN Enrollment en ON en.course_id = c.id
		WHERE en.user_id = ?
		ORDER BY c.code
	`, userID)
	if err != nil {
		return nil, err
	}
	return scanCourses(rows)
}

func scanCourses(rows *sql.Rows) ([]*Course, error) {
	defer rows.Close()

	var courses []*Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Code, &c.Title, &c.Capacity, &c.Enrolled); err != nil {
			return nil, err
		}
		courses = append(courses, &c)
	}
	return courses, rows.Err()
}

// Enroll adds userID to the course, enforcing capacity
func (db *DB) Enroll(ctx context.Context, courseID, userID int64) (*Course, error) {
	var course Course
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT `+courseColumns+` FROM Course c WHERE c.id = ?
		`, courseID).Scan(&course.ID, &course.Code, &course.Title, &course.Capacity, &course.Enrolled)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var exists int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM Enrollment WHERE course_id = ? AND user_id = ?
		`, courseID, userID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrAlreadyEnrolled
		}
		if course.Enrolled >= course.Capacity {
			return ErrCourseFull
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO Enrollment (course_id, user_id, enrolled_at) VALUES (?, ?, ?)
		`, courseID, userID, nowMillis())
		return err
	})
	if err != nil {
		return nil, err
	}
	course.Enrolled++
	return &course, nil
}
