package protocol

// JSON payload shapes, keyed by category. Unknown fields are ignored on
// decode, so fields may only ever be added, and added fields must be optional.

// Role is the privilege level bound to an identity.
type Role string

const (
	RoleStudent Role = "student"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

// Elevated roles may act on other identities' data.
func (r Role) Elevated() bool {
	return r == RoleStaff || r == RoleAdmin
}

// Target is the subset of any request payload that names the identity whose
// data the request touches. A missing user_id means "the caller".
type Target struct {
	UserID *int64 `json:"user_id,omitempty"`
}

// LoginRequest (LOGIN_REQUEST)
type LoginRequest struct {
	UserID   int64  `json:"user_id"`
	Password string `json:"password"`
}

// LoginResult (LOGIN_SUCCESS)
type LoginResult struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	SessionID   uint64 `json:"session_id"`
}

// Heartbeat (HEARTBEAT) in both directions. ServerTime is set by the server.
type Heartbeat struct {
	ServerTime int64 `json:"server_time,omitempty"`
}

// Notice (NOTICE, DISCONNECT) is pushed by the server without a request.
type Notice struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// UserInfoRequest (USER_INFO_REQUEST)
type UserInfoRequest struct {
	UserID *int64 `json:"user_id,omitempty"`
}

// UserInfo (USER_INFO_SUCCESS)
type UserInfo struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Online      bool   `json:"online"`
}

// BookSearchRequest (BOOK_SEARCH_REQUEST)
type BookSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type Book struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Available int    `json:"available"`
}

// BookList (BOOK_SEARCH_SUCCESS)
type BookList struct {
	Books []Book `json:"books"`
}

// LoanRequest (BOOK_BORROW_REQUEST, BOOK_RETURN_REQUEST)
type LoanRequest struct {
	BookID int64  `json:"book_id"`
	UserID *int64 `json:"user_id,omitempty"`
}

// Loan (BOOK_BORROW_SUCCESS, BOOK_RETURN_SUCCESS)
type Loan struct {
	BookID   int64 `json:"book_id"`
	UserID   int64 `json:"user_id"`
	LoanedAt int64 `json:"loaned_at"`
}

// CourseListRequest (COURSE_LIST_REQUEST)
type CourseListRequest struct {
	Query string `json:"query,omitempty"`
}

type Course struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Title    string `json:"title"`
	Capacity int    `json:"capacity"`
	Enrolled int    `json:"enrolled"`
}

// CourseList (COURSE_LIST_SUCCESS, ENROLLMENT_LIST_SUCCESS)
type CourseList struct {
	Courses []Course `json:"courses"`
}

// EnrollRequest (COURSE_ENROLL_REQUEST)
type EnrollRequest struct {
	CourseID int64  `json:"course_id"`
	UserID   *int64 `json:"user_id,omitempty"`
}

// EnrollmentListRequest (ENROLLMENT_LIST_REQUEST)
type EnrollmentListRequest struct {
	UserID *int64 `json:"user_id,omitempty"`
}

// ThreadListRequest (THREAD_LIST_REQUEST)
type ThreadListRequest struct {
	Limit int `json:"limit,omitempty"`
}

type Thread struct {
	ID         int64  `json:"id"`
	AuthorID   int64  `json:"author_id"`
	AuthorName string `json:"author_name"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	CreatedAt  int64  `json:"created_at"`
}

// ThreadList (THREAD_LIST_SUCCESS)
type ThreadList struct {
	Threads []Thread `json:"threads"`
}

// ThreadPostRequest (THREAD_POST_REQUEST); success carries the created Thread.
type ThreadPostRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// OrderPlaceRequest (ORDER_PLACE_REQUEST)
type OrderPlaceRequest struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UserID    *int64 `json:"user_id,omitempty"`
}

type Order struct {
	ID         int64 `json:"id"`
	UserID     int64 `json:"user_id"`
	ProductID  int64 `json:"product_id"`
	Quantity   int   `json:"quantity"`
	TotalCents int64 `json:"total_cents"`
	CreatedAt  int64 `json:"created_at"`
}

// OrderListRequest (ORDER_LIST_REQUEST)
type OrderListRequest struct {
	UserID *int64 `json:"user_id,omitempty"`
}

// OrderList (ORDER_LIST_SUCCESS)
type OrderList struct {
	Orders []Order `json:"orders"`
}
