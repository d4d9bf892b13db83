package protocol

import "fmt"

// Category identifies what an envelope means or requests. It travels in the
// frame Type byte.
//
// Numbers are never reused. New categories are appended; a peer that does not
// know a category still decodes the envelope and treats it as unroutable.
type Category uint8

// CategoryNone is the zero value and is never valid on the wire.
const CategoryNone Category = 0x00

// Session categories
const (
	CategoryLoginRequest  Category = 0x01
	CategoryLoginSuccess  Category = 0x02
	CategoryLoginFail     Category = 0x03
	CategoryLogoutRequest Category = 0x04
	CategoryLogoutSuccess Category = 0x05
	CategoryHeartbeat     Category = 0x06
	CategoryError         Category = 0x07
	CategoryDisconnect    Category = 0x08 // Server → Client: connection is about to close
	CategoryNotice        Category = 0x09 // Server → Client: unsolicited push / broadcast
)

// Feature categories: one request/success/fail triple each.
const (
	CategoryUserInfoRequest Category = 0x10
	CategoryUserInfoSuccess Category = 0x11
	CategoryUserInfoFail    Category = 0x12

	CategoryBookSearchRequest Category = 0x20
	CategoryBookSearchSuccess Category = 0x21
	CategoryBookSearchFail    Category = 0x22
	CategoryBookBorrowRequest Category = 0x23
	CategoryBookBorrowSuccess Category = 0x24
	CategoryBookBorrowFail    Category = 0x25
	CategoryBookReturnRequest Category = 0x26
	CategoryBookReturnSuccess Category = 0x27
	CategoryBookReturnFail    Category = 0x28

	CategoryCourseListRequest     Category = 0x30
	CategoryCourseListSuccess     Category = 0x31
	CategoryCourseListFail        Category = 0x32
	CategoryCourseEnrollRequest   Category = 0x33
	CategoryCourseEnrollSuccess   Category = 0x34
	CategoryCourseEnrollFail      Category = 0x35
	CategoryEnrollmentListRequest Category = 0x36
	CategoryEnrollmentListSuccess Category = 0x37
	CategoryEnrollmentListFail    Category = 0x38

	CategoryThreadListRequest Category = 0x40
	CategoryThreadListSuccess Category = 0x41
	CategoryThreadListFail    Category = 0x42
	CategoryThreadPostRequest Category = 0x43
	CategoryThreadPostSuccess Category = 0x44
	CategoryThreadPostFail    Category = 0x45

	CategoryOrderPlaceRequest Category = 0x50
	CategoryOrderPlaceSuccess Category = 0x51
	CategoryOrderPlaceFail    Category = 0x52
	CategoryOrderListRequest  Category = 0x53
	CategoryOrderListSuccess  Category = 0x54
	CategoryOrderListFail     Category = 0x55
)

var categoryNames = map[Category]string{
	CategoryLoginRequest:  "LOGIN_REQUEST",
	CategoryLoginSuccess:  "LOGIN_SUCCESS",
	CategoryLoginFail:     "LOGIN_FAIL",
	CategoryLogoutRequest: "LOGOUT_REQUEST",
	CategoryLogoutSuccess: "LOGOUT_SUCCESS",
	CategoryHeartbeat:     "HEARTBEAT",
	CategoryError:         "ERROR",
	CategoryDisconnect:    "DISCONNECT",
	CategoryNotice:        "NOTICE",

	CategoryUserInfoRequest: "USER_INFO_REQUEST",
	CategoryUserInfoSuccess: "USER_INFO_SUCCESS",
	CategoryUserInfoFail:    "USER_INFO_FAIL",

	CategoryBookSearchRequest: "BOOK_SEARCH_REQUEST",
	CategoryBookSearchSuccess: "BOOK_SEARCH_SUCCESS",
	CategoryBookSearchFail:    "BOOK_SEARCH_FAIL",
	CategoryBookBorrowRequest: "BOOK_BORROW_REQUEST",
	CategoryBookBorrowSuccess: "BOOK_BORROW_SUCCESS",
	CategoryBookBorrowFail:    "BOOK_BORROW_FAIL",
	CategoryBookReturnRequest: "BOOK_RETURN_REQUEST",
	CategoryBookReturnSuccess: "BOOK_RETURN_SUCCESS",
	CategoryBookReturnFail:    "BOOK_RETURN_FAIL",

	CategoryCourseListRequest:     "COURSE_LIST_REQUEST",
	CategoryCourseListSuccess:     "COURSE_LIST_SUCCESS",
	CategoryCourseListFail:        "COURSE_LIST_FAIL",
	CategoryCourseEnrollRequest:   "COURSE_ENROLL_REQUEST",
	CategoryCourseEnrollSuccess:   "COURSE_ENROLL_SUCCESS",
	CategoryCourseEnrollFail:      "COURSE_ENROLL_FAIL",
	CategoryEnrollmentListRequest: "ENROLLMENT_LIST_REQUEST",
	CategoryEnrollmentListSuccess: "ENROLLMENT_LIST_SUCCESS",
	CategoryEnrollmentListFail:    "ENROLLMENT_LIST_FAIL",

	CategoryThreadListRequest: "THREAD_LIST_REQUEST",
	CategoryThreadListSuccess: "THREAD_LIST_SUCCESS",
	CategoryThreadListFail:    "THREAD_LIST_FAIL",
	CategoryThreadPostRequest: "THREAD_POST_REQUEST",
	CategoryThreadPostSuccess: "THREAD_POST_SUCCESS",
	CategoryThreadPostFail:    "THREAD_POST_FAIL",

	CategoryOrderPlaceRequest: "ORDER_PLACE_REQUEST",
	CategoryOrderPlaceSuccess: "ORDER_PLACE_SUCCESS",
	CategoryOrderPlaceFail:    "ORDER_PLACE_FAIL",
	CategoryOrderListRequest:  "ORDER_LIST_REQUEST",
	CategoryOrderListSuccess:  "ORDER_LIST_SUCCESS",
	CategoryOrderListFail:     "ORDER_LIST_FAIL",
}

// String returns the stable wire name, used in logs and metric labels.
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_0x%02X", uint8(c))
}

// Known reports whether c is part of this protocol version's enumeration.
func (c Category) Known() bool {
	_, ok := categoryNames[c]
	return ok
}

// Outcomes returns the success and fail categories paired with a request
// category. ok is false for categories that are not requests.
//
// Feature triples are laid out as request, request+1 (success), request+2 (fail).
func (c Category) Outcomes() (success, fail Category, ok bool) {
	switch c {
	case CategoryLoginRequest:
		return CategoryLoginSuccess, CategoryLoginFail, true
	case CategoryLogoutRequest:
		return CategoryLogoutSuccess, CategoryError, true
	case CategoryHeartbeat:
		return CategoryHeartbeat, CategoryError, true
	}
	if c < CategoryUserInfoRequest || !c.Known() {
		return CategoryNone, CategoryNone, false
	}
	success, fail = c+1, c+2
	if !isRequestName(c) || !success.Known() || !fail.Known() {
		return CategoryNone, CategoryNone, false
	}
	return success, fail, true
}

func isRequestName(c Category) bool {
	name := categoryNames[c]
	return len(name) > len("_REQUEST") && name[len(name)-len("_REQUEST"):] == "_REQUEST"
}
