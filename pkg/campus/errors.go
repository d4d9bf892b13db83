package campus

import (
	"errors"

	"github.com/aeolun/campusnet/pkg/database"
	"github.com/aeolun/campusnet/pkg/protocol"
)

// statusErrors maps storage failures onto business status codes
var statusErrors = []struct {
	err    error
	status protocol.Status
}{
	{database.ErrNotFound, protocol.StatusNotFound},
	{database.ErrBookUnavailable, protocol.StatusBookUnavailable},
	{database.ErrLoanLimit, protocol.StatusLoanLimit},
	{database.ErrNotBorrowed, protocol.StatusNotBorrowed},
	{database.ErrCourseFull, protocol.StatusCourseFull},
	{database.ErrAlreadyEnrolled, protocol.StatusAlreadyEnrolled},
	{database.ErrOutOfStock, protocol.StatusOutOfStock},
	{database.ErrInvalidQuantity, protocol.StatusBadRequest},
}

// translate turns a known storage error into a *protocol.StatusError. Other
// errors pass through and are reported as internal errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return protocol.Errorf(se.status, "%s", se.err.Error())
		}
	}
	return err
}
