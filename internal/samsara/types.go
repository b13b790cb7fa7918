package samsara

import "encoding/json"

// Page is one decoded response of the stats history endpoint.
type Page struct {
	Data        []json.RawMessage
	EndCursor   string
	HasNextPage bool
}

// pageBody mirrors the wire format. Pointers let us tell a missing
// pagination block or flag apart from a false one.
type pageBody struct {
	Data       []json.RawMessage `json:"data"`
	Pagination *pagination       `json:"pagination"`
}

type pagination struct {
	EndCursor   string `json:"endCursor"`
	HasNextPage *bool  `json:"hasNextPage"`
}

// response is a fully read HTTP response, so retries never leak bodies.
type response struct {
	StatusCode int
	Body       []byte
}
