package repository

import (
	"errors"

	"github.com/okian/skillmatch/internal/domain/model"
)

// Sentinel kinds for score store errors.
var (
	ErrNotFound     = model.ErrNotFound
	ErrInvalidLimit = errors.New("invalid limit")
	ErrInvalidKey   = errors.New("invalid row key")
	ErrClosed       = errors.New("store closed")
)
