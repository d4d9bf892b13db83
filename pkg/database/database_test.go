package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	BcryptCost = bcrypt.MinCost

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)

	tables := []string{"User", "Book", "Loan", "Course", "Enrollment", "Thread", "Product", "Orders"}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s", table)
	}
}

func TestSeedDemoDataIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.SeedDemoData(ctx))
	require.NoError(t, db.SeedDemoData(ctx))

	n, err := db.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	user, err := db.GetUserByID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, "student", user.Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(DemoPassword)))

	_, err = db.GetUserByID(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBorrowAndReturn(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateUser(ctx, 1, "a", "student", "x"))
	require.NoError(t, db.CreateUser(ctx, 2, "b", "student", "x"))
	bookID, err := db.CreateBook(ctx, "Only Copy", "Someone", 1)
	require.NoError(t, err)

	loan, err := db.BorrowBook(ctx, bookID, 1)
	require.NoError(t, err)
	assert.NotZero(t, loan.ID)

	_, err = db.BorrowBook(ctx, bookID, 2)
	assert.ErrorIs(t, err, ErrBookUnavailable)

	books, err := db.SearchBooks(ctx, "only", 10)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, 0, books[0].Available)

	_, err = db.ReturnBook(ctx, bookID, 2)
	assert.ErrorIs(t, err, ErrNotBorrowed)

	returned, err := db.ReturnBook(ctx, bookID, 1)
	require.NoError(t, err)
	require.NotNil(t, returned.ReturnedAt)

	_, err = db.BorrowBook(ctx, bookID, 2)
	assert.NoError(t, err)

	_, err = db.BorrowBook(ctx, 999, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoanLimit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateUser(ctx, 1, "a", "student", "x"))

	for i := 0; i < MaxLoans; i++ {
		id, err := db.CreateBook(ctx, "Book", "Author", 1)
		require.NoError(t, err)
		_, err = db.BorrowBook(ctx, id, 1)
		require.NoError(t, err)
	}

	id, err := db.CreateBook(ctx, "One Too Many", "Author", 1)
	require.NoError(t, err)
	_, err = db.BorrowBook(ctx, id, 1)
	assert.ErrorIs(t, err, ErrLoanLimit)
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, db.CreateUser(ctx, id, "u", "student", "x"))
	}
	courseID, err := db.CreateCourse(ctx, "NET300", "Network Protocols", 2)
	require.NoError(t, err)

	course, err := db.Enroll(ctx, courseID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, course.Enrolled)

	_, err = db.Enroll(ctx, courseID, 1)
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)

	_, err = db.Enroll(ctx, courseID, 2)
	require.NoError(t, err)

	_, err = db.Enroll(ctx, courseID, 3)
	assert.ErrorIs(t, err, ErrCourseFull)

	enrolled, err := db.ListEnrollments(ctx, 2)
	require.NoError(t, err)
	require.Len(t, enrolled, 1)
	assert.Equal(t, "NET300", enrolled[0].Code)
	assert.Equal(t, 2, enrolled[0].Enrolled)

	all, err := db.ListCourses(ctx, "network")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestThreads(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateUser(ctx, 7, "Poster", "student", "x"))

	first, err := db.PostThread(ctx, 7, "first", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Poster", first.AuthorName)
	second, err := db.PostThread(ctx, 7, "second", "again")
	require.NoError(t, err)

	threads, err := db.ListThreads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, second.ID, threads[0].ID)

	_, err = db.PostThread(ctx, 8, "ghost", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlaceOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateUser(ctx, 1, "a", "student", "x"))
	productID, err := db.CreateProduct(ctx, "Cable", 900, 3)
	require.NoError(t, err)

	order, err := db.PlaceOrder(ctx, 1, productID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), order.TotalCents)

	_, err = db.PlaceOrder(ctx, 1, productID, 2)
	assert.ErrorIs(t, err, ErrOutOfStock)

	_, err = db.PlaceOrder(ctx, 1, productID, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	p, err := db.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)

	orders, err := db.ListOrders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.ID, orders[0].ID)
}
