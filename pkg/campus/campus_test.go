package campus

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/campusnet/pkg/client"
	"github.com/aeolun/campusnet/pkg/database"
	"github.com/aeolun/campusnet/pkg/protocol"
	"github.com/aeolun/campusnet/pkg/server"
)

const testTimeout = 3 * time.Second

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	database.BcryptCost = bcrypt.MinCost
	os.Exit(m.Run())
}

func openSeededDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "campus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.SeedDemoData(context.Background()))
	return db
}

func startCampus(t *testing.T) (*server.Server, *database.DB) {
	t.Helper()
	db := openSeededDB(t)

	router := server.NewRouter()
	require.NoError(t, NewServices(db).Register(router))

	config := server.DefaultConfig()
	config.TCPPort = 0
	config.MetricsPort = 0
	config.MetricsLogInterval = 0
	config.RateLimit = 0
	config.Welcome = false

	srv := server.NewServer(config, router, NewAuthenticator(db))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv, db
}

type campusClient struct {
	t    *testing.T
	conn *client.Connection
}

func connectAs(t *testing.T, srv *server.Server, userID int64) *campusClient {
	t.Helper()
	addr := srv.Addr().(*net.TCPAddr)
	conn, err := client.NewConnection(fmt.Sprintf("127.0.0.1:%d", addr.Port))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(conn.Close)

	c := &campusClient{t: t, conn: conn}
	if userID != 0 {
		_, err := c.call(protocol.CategoryLoginRequest, protocol.LoginRequest{UserID: userID, Password: database.DemoPassword})
		require.NoError(t, err)
	}
	return c
}

func (c *campusClient) call(category protocol.Category, payload any) (*protocol.Envelope, error) {
	c.t.Helper()
	env, err := protocol.Request(category, payload)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return c.conn.Call(ctx, env)
}

// ok issues a request that must succeed and decodes its reply into out
func (c *campusClient) ok(category protocol.Category, payload, out any) {
	c.t.Helper()
	reply, err := c.call(category, payload)
	require.NoError(c.t, err)
	if out != nil {
		require.NoError(c.t, reply.Decode(out))
	}
}

// fails issues a request that must fail with want
func (c *campusClient) fails(category protocol.Category, payload any, want protocol.Status) {
	c.t.Helper()
	_, err := c.call(category, payload)
	require.Error(c.t, err)
	code, _ := protocol.AsStatusError(err)
	assert.Equal(c.t, want, code, "%s", category)
}

func ptr(v int64) *int64 { return &v }

func TestAuthenticator(t *testing.T) {
	db := openSeededDB(t)
	auth := NewAuthenticator(db)
	ctx := context.Background()

	id, err := auth.Authenticate(ctx, protocol.LoginRequest{UserID: 2001, Password: database.DemoPassword})
	require.NoError(t, err)
	assert.Equal(t, int64(2001), id.ID)
	assert.Equal(t, "Carol Registrar", id.Name)
	assert.Equal(t, protocol.RoleStaff, id.Role)
	assert.True(t, id.Elevated())

	for _, req := range []protocol.LoginRequest{
		{UserID: 2001, Password: "wrong"},
		{UserID: 4242, Password: database.DemoPassword},
		{UserID: 0, Password: database.DemoPassword},
		{UserID: 1001, Password: ""},
	} {
		_, err := auth.Authenticate(ctx, req)
		code, _ := protocol.AsStatusError(err)
		assert.Equal(t, protocol.StatusInvalidCredentials, code, "%+v", req)
	}
}

func TestEveryRouteRequiresLogin(t *testing.T) {
	srv, _ := startCampus(t)
	c := connectAs(t, srv, 0)

	for _, category := range []protocol.Category{
		protocol.CategoryUserInfoRequest,
		protocol.CategoryBookSearchRequest,
		protocol.CategoryCourseListRequest,
		protocol.CategoryThreadListRequest,
		protocol.CategoryOrderListRequest,
	} {
		c.fails(category, struct{}{}, protocol.StatusUnauthorized)
	}
}

func TestUserInfo(t *testing.T) {
	srv, _ := startCampus(t)
	alice := connectAs(t, srv, 1001)
	connectAs(t, srv, 1002)

	var info protocol.UserInfo
	alice.ok(protocol.CategoryUserInfoRequest, protocol.UserInfoRequest{}, &info)
	assert.Equal(t, "Alice Chen", info.DisplayName)
	assert.True(t, info.Online)

	// Students cannot look at other accounts; staff can
	alice.fails(protocol.CategoryUserInfoRequest, protocol.UserInfoRequest{UserID: ptr(1002)}, protocol.StatusForbidden)

	carol := connectAs(t, srv, 2001)
	carol.ok(protocol.CategoryUserInfoRequest, protocol.UserInfoRequest{UserID: ptr(1002)}, &info)
	assert.Equal(t, "Bob Okafor", info.DisplayName)
	assert.True(t, info.Online)

	carol.ok(protocol.CategoryUserInfoRequest, protocol.UserInfoRequest{UserID: ptr(9001)}, &info)
	assert.False(t, info.Online)

	carol.fails(protocol.CategoryUserInfoRequest, protocol.UserInfoRequest{UserID: ptr(4242)}, protocol.StatusNotFound)
}

func TestLibrary(t *testing.T) {
	srv, _ := startCampus(t)
	alice := connectAs(t, srv, 1001)
	bob := connectAs(t, srv, 1002)

	var books protocol.BookList
	alice.ok(protocol.CategoryBookSearchRequest, protocol.BookSearchRequest{Query: "Structure"}, &books)
	require.Len(t, books.Books, 1)
	sicp := books.Books[0]
	assert.Equal(t, 1, sicp.Available)

	var loan protocol.Loan
	alice.ok(protocol.CategoryBookBorrowRequest, protocol.LoanRequest{BookID: sicp.ID}, &loan)
	assert.Equal(t, int64(1001), loan.UserID)

	// Single copy is out
	bob.fails(protocol.CategoryBookBorrowRequest, protocol.LoanRequest{BookID: sicp.ID}, protocol.StatusBookUnavailable)
	bob.fails(protocol.CategoryBookReturnRequest, protocol.LoanRequest{BookID: sicp.ID}, protocol.StatusNotBorrowed)
	bob.fails(protocol.CategoryBookBorrowRequest, protocol.LoanRequest{BookID: 999}, protocol.StatusNotFound)

	alice.ok(protocol.CategoryBookReturnRequest, protocol.LoanRequest{BookID: sicp.ID}, &loan)
	bob.ok(protocol.CategoryBookBorrowRequest, protocol.LoanRequest{BookID: sicp.ID}, &loan)
	assert.Equal(t, int64(1002), loan.UserID)

	alice.ok(protocol.CategoryBookSearchRequest, protocol.BookSearchRequest{Limit: 1000}, &books)
	assert.Len(t, books.Books, 4)
}

func TestCourses(t *testing.T) {
	srv, _ := startCampus(t)
	alice := connectAs(t, srv, 1001)
	bob := connectAs(t, srv, 1002)
	carol := connectAs(t, srv, 2001)

	var courses protocol.CourseList
	alice.ok(protocol.CategoryCourseListRequest, protocol.CourseListRequest{Query: "NET"}, &courses)
	require.Len(t, courses.Courses, 1)
	net300 := courses.Courses[0]
	assert.Equal(t, 2, net300.Capacity)

	var course protocol.Course
	alice.ok(protocol.CategoryCourseEnrollRequest, protocol.EnrollRequest{CourseID: net300.ID}, &course)
	assert.Equal(t, 1, course.Enrolled)
	alice.fails(protocol.CategoryCourseEnrollRequest, protocol.EnrollRequest{CourseID: net300.ID}, protocol.StatusAlreadyEnrolled)

	// Staff enrolls Bob, filling the course
	carol.ok(protocol.CategoryCourseEnrollRequest, protocol.EnrollRequest{CourseID: net300.ID, UserID: ptr(1002)}, &course)
	assert.Equal(t, 2, course.Enrolled)
	carol.fails(protocol.CategoryCourseEnrollRequest, protocol.EnrollRequest{CourseID: net300.ID, UserID: ptr(9001)}, protocol.StatusCourseFull)

	// Students can only enroll themselves
	bob.fails(protocol.CategoryCourseEnrollRequest, protocol.EnrollRequest{CourseID: 1, UserID: ptr(1001)}, protocol.StatusForbidden)

	bob.ok(protocol.CategoryEnrollmentListRequest, protocol.EnrollmentListRequest{}, &courses)
	require.Len(t, courses.Courses, 1)
	assert.Equal(t, "NET300", courses.Courses[0].Code)

	carol.ok(protocol.CategoryEnrollmentListRequest, protocol.EnrollmentListRequest{UserID: ptr(1001)}, &courses)
	assert.Len(t, courses.Courses, 1)
}

func TestForumBroadcastsNewThreads(t *testing.T) {
	srv, _ := startCampus(t)
	alice := connectAs(t, srv, 1001)
	bob := connectAs(t, srv, 1002)

	notices := make(chan protocol.Notice, 4)
	bob.conn.SetListener(protocol.CategoryNotice, func(env *protocol.Envelope) {
		var n protocol.Notice
		if env.Decode(&n) == nil {
			notices <- n
		}
	})

	alice.fails(protocol.CategoryThreadPostRequest, protocol.ThreadPostRequest{Title: "   "}, protocol.StatusBadRequest)

	var thread protocol.Thread
	alice.ok(protocol.CategoryThreadPostRequest, protocol.ThreadPostRequest{Title: "Study group", Body: "Thursdays in the library"}, &thread)
	assert.Equal(t, "Alice Chen", thread.AuthorName)
	assert.NotZero(t, thread.ID)

	select {
	case n := <-notices:
		assert.Equal(t, "thread_posted", n.Kind)
		assert.Contains(t, n.Message, "Study group")
	case <-time.After(testTimeout):
		t.Fatal("bob never saw the thread notice")
	}

	var threads protocol.ThreadList
	bob.ok(protocol.CategoryThreadListRequest, protocol.ThreadListRequest{}, &threads)
	require.Len(t, threads.Threads, 1)
	assert.Equal(t, "Study group", threads.Threads[0].Title)
}

func TestStore(t *testing.T) {
	srv, _ := startCampus(t)
	alice := connectAs(t, srv, 1001)
	admin := connectAs(t, srv, 9001)

	var order protocol.Order
	alice.ok(protocol.CategoryOrderPlaceRequest, protocol.OrderPlaceRequest{ProductID: 1, Quantity: 2}, &order)
	assert.Equal(t, int64(7000), order.TotalCents)

	alice.fails(protocol.CategoryOrderPlaceRequest, protocol.OrderPlaceRequest{ProductID: 3, Quantity: 4}, protocol.StatusOutOfStock)
	alice.fails(protocol.CategoryOrderPlaceRequest, protocol.OrderPlaceRequest{ProductID: 2, Quantity: 0}, protocol.StatusBadRequest)
	alice.fails(protocol.CategoryOrderPlaceRequest, protocol.OrderPlaceRequest{ProductID: 99, Quantity: 1}, protocol.StatusNotFound)

	var orders protocol.OrderList
	alice.ok(protocol.CategoryOrderListRequest, protocol.OrderListRequest{}, &orders)
	require.Len(t, orders.Orders, 1)

	alice.fails(protocol.CategoryOrderListRequest, protocol.OrderListRequest{UserID: ptr(1002)}, protocol.StatusForbidden)
	admin.ok(protocol.CategoryOrderListRequest, protocol.OrderListRequest{UserID: ptr(1001)}, &orders)
	assert.Len(t, orders.Orders, 1)
}

func TestTranslate(t *testing.T) {
	assert.Nil(t, translate(nil))

	code, _ := protocol.AsStatusError(translate(fmt.Errorf("wrap: %w", database.ErrLoanLimit)))
	assert.Equal(t, protocol.StatusLoanLimit, code)

	plain := fmt.Errorf("disk full")
	assert.Same(t, plain, translate(plain))
	code, _ = protocol.AsStatusError(translate(plain))
	assert.Equal(t, protocol.StatusInternal, code)
}
