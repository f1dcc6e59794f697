package domain

import "errors"

// Error taxonomy shared by every core component. Wrap these with fmt.Errorf
// and classify with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrBindingConflict = errors.New("binding conflict")
	ErrFatal           = errors.New("fatal")
)
