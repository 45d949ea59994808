package flower

import "errors"

// Sentinel errors returned (wrapped) by Load, Decode and the merge package.
var (
	ErrNotFound          = errors.New("file does not exist")
	ErrParse             = errors.New("invalid JSON")
	ErrMalformedDocument = errors.New("missing \"flowers\" list")
	ErrMalformedEntry    = errors.New("flower entry is not a JSON object")
)

// Error kinds reported to users and recorded in the history store.
const (
	KindNotFound          = "not_found"
	KindParseError        = "parse_error"
	KindMalformedDocument = "malformed_document"
	KindUnexpected        = "unexpected"
)

// Kind classifies err into one of the Kind* constants.
// A nil error has no kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrParse):
		return KindParseError
	case errors.Is(err, ErrMalformedDocument):
		return KindMalformedDocument
	default:
		return KindUnexpected
	}
}
