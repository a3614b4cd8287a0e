package domain

import "errors"

// Error taxonomy surfaced by the relay. The HTTP layer maps these to status
// codes; anything else is treated as an internal error.
var (
	ErrUnknownBusinessAccount = errors.New("unknown business account")
	ErrUnauthorizedAccount    = errors.New("caller is not entitled to any business account")
	ErrAmbiguousAccount       = errors.New("caller is entitled to multiple business accounts; account selector required")
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrValidation             = errors.New("invalid request")
	ErrDownstreamUnavailable  = errors.New("downstream dependency unavailable")
)
