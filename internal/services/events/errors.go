package events

import "errors"

var (
	ErrForbidden           = errors.New("caller is not a host of the event")
	ErrInvalidInput        = errors.New("invalid input")
	ErrCategoryNameTooLong = errors.New("category name too long")
	ErrCategoryExists      = errors.New("category already exists")
)
