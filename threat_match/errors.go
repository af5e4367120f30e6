package threat_match

import "errors"

var (
	ErrInvalidEntryKey = errors.New("invalid entry key")
	ErrEmptyMapping    = errors.New("threat mapping has no entries")
)
