package campus

import (
	"context"
	"log"
	"strings"

	"github.com/aeolun/campusnet/pkg/database"
	"github.com/aeolun/campusnet/pkg/protocol"
	"github.com/aeolun/campusnet/pkg/server"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
	defaultThreadLimit = 50
	maxTitleLength     = 200
	maxBodyLength      = 8000
)

// Services answers the business categories from the database
type Services struct {
	db *database.DB
}

func NewServices(db *database.DB) *Services {
	return &Services{db: db}
}

// Register binds every business category on router. All of them require a
// logged-in identity.
func (s *Services) Register(router *server.Router) error {
	routes := []struct {
		category protocol.Category
		handle   server.HandlerFunc
	}{
		{protocol.CategoryUserInfoRequest, s.userInfo},
		{protocol.CategoryBookSearchRequest, s.searchBooks},
		{protocol.CategoryBookBorrowRequest, s.borrowBook},
		{protocol.CategoryBookReturnRequest, s.returnBook},
		{protocol.CategoryCourseListRequest, s.listCourses},
		{protocol.CategoryCourseEnrollRequest, s.enroll},
		{protocol.CategoryEnrollmentListRequest, s.listEnrollments},
		{protocol.CategoryThreadListRequest, s.listThreads},
		{protocol.CategoryThreadPostRequest, s.postThread},
		{protocol.CategoryOrderPlaceRequest, s.placeOrder},
		{protocol.CategoryOrderListRequest, s.listOrders},
	}
	for _, r := range routes {
		if err := router.Handle(r.category, true, r.handle); err != nil {
			return err
		}
	}
	return nil
}

func (s *Services) userInfo(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.UserInfoRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	id := req.Subject(in.UserID)

	user, err := s.db.GetUserByID(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return protocol.UserInfo{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Role:        protocol.Role(user.Role),
		Online:      req.Server.IsOnline(user.ID),
	}, nil
}

// Library

func (s *Services) searchBooks(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.BookSearchRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	books, err := s.db.SearchBooks(ctx, strings.TrimSpace(in.Query), limit)
	if err != nil {
		return nil, translate(err)
	}
	out := protocol.BookList{Books: make([]protocol.Book, 0, len(books))}
	for _, b := range books {
		out.Books = append(out.Books, protocol.Book{ID: b.ID, Title: b.Title, Author: b.Author, Available: b.Available})
	}
	return out, nil
}

func (s *Services) borrowBook(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.LoanRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	loan, err := s.db.BorrowBook(ctx, in.BookID, req.Subject(in.UserID))
	if err != nil {
		return nil, translate(err)
	}
	return loanPayload(loan), nil
}

func (s *Services) returnBook(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.LoanRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	loan, err := s.db.ReturnBook(ctx, in.BookID, req.Subject(in.UserID))
	if err != nil {
		return nil, translate(err)
	}
	return loanPayload(loan), nil
}

func loanPayload(l *database.Loan) protocol.Loan {
	return protocol.Loan{BookID: l.BookID, UserID: l.UserID, LoanedAt: l.LoanedAt}
}

// Courses

func (s *Services) listCourses(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.CourseListRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	courses, err := s.db.ListCourses(ctx, strings.TrimSpace(in.Query))
	if err != nil {
		return nil, translate(err)
	}
	return courseList(courses), nil
}

func (s *Services) enroll(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.EnrollRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	course, err := s.db.Enroll(ctx, in.CourseID, req.Subject(in.UserID))
	if err != nil {
		return nil, translate(err)
	}
	return coursePayload(course), nil
}

func (s *Services) listEnrollments(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.EnrollmentListRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	courses, err := s.db.ListEnrollments(ctx, req.Subject(in.UserID))
	if err != nil {
		return nil, translate(err)
	}
	return courseList(courses), nil
}

func coursePayload(c *database.Course) protocol.Course {
	return protocol.Course{ID: c.ID, Code: c.Code, Title: c.Title, Capacity: c.Capacity, Enrolled: c.Enrolled}
}

func courseList(courses []*database.Course) protocol.CourseList {
	out := protocol.CourseList{Courses: make([]protocol.Course, 0, len(courses))}
	for _, c := range courses {
		out.Courses = append(out.Courses, coursePayload(c))
	}
	return out
}

// Forum

func (s *Services) listThreads(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.ThreadListRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 || limit > defaultThreadLimit {
		limit = defaultThreadLimit
	}
	threads, err := s.db.ListThreads(ctx, limit)
	if err != nil {
		return nil, translate(err)
	}
	out := protocol.ThreadList{Threads: make([]protocol.Thread, 0, len(threads))}
	for _, t := range threads {
		out.Threads = append(out.Threads, threadPayload(t))
	}
	return out, nil
}

// postThread stores the thread and announces it to everyone online
func (s *Services) postThread(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.ThreadPostRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	switch {
	case title == "":
		return nil, protocol.Errorf(protocol.StatusBadRequest, "title is required")
	case len(title) > maxTitleLength:
		return nil, protocol.Errorf(protocol.StatusBadRequest, "title exceeds %d bytes", maxTitleLength)
	case len(in.Body) > maxBodyLength:
		return nil, protocol.Errorf(protocol.StatusBadRequest, "body exceeds %d bytes", maxBodyLength)
	}

	thread, err := s.db.PostThread(ctx, req.Identity.ID, title, in.Body)
	if err != nil {
		return nil, translate(err)
	}
	out := threadPayload(thread)

	notice, err := protocol.NewEnvelope(protocol.CategoryNotice, protocol.StatusOK, protocol.Notice{
		Kind:    "thread_posted",
		Message: thread.AuthorName + " posted: " + thread.Title,
		Data:    out,
	}, "")
	if err != nil {
		log.Printf("Session %d: failed to encode thread notice: %v", req.Session.ID, err)
		return out, nil
	}
	req.Server.Broadcast(notice)
	return out, nil
}

func threadPayload(t *database.Thread) protocol.Thread {
	return protocol.Thread{
		ID:         t.ID,
		AuthorID:   t.AuthorID,
		AuthorName: t.AuthorName,
		Title:      t.Title,
		Body:       t.Body,
		CreatedAt:  t.CreatedAt,
	}
}

// Store

func (s *Services) placeOrder(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.OrderPlaceRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	order, err := s.db.PlaceOrder(ctx, req.Subject(in.UserID), in.ProductID, in.Quantity)
	if err != nil {
		return nil, translate(err)
	}
	return orderPayload(order), nil
}

func (s *Services) listOrders(ctx context.Context, req *server.Request) (any, error) {
	var in protocol.OrderListRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	orders, err := s.db.ListOrders(ctx, req.Subject(in.UserID))
	if err != nil {
		return nil, translate(err)
	}
	out := protocol.OrderList{Orders: make([]protocol.Order, 0, len(orders))}
	for _, o := range orders {
		out.Orders = append(out.Orders, orderPayload(o))
	}
	return out, nil
}

func orderPayload(o *database.Order) protocol.Order {
	return protocol.Order{
		ID:         o.ID,
		UserID:     o.UserID,
		ProductID:  o.ProductID,
		Quantity:   o.Quantity,
		TotalCents: o.TotalCents,
		CreatedAt:  o.CreatedAt,
	}
}
