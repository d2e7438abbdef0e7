package models

import (
	"net/http"
	"time"
)

// CachedResponse is a stored HTTP response body with the headers needed to replay it.
// StoredAt is the stamp written alongside the sw-cached-time header.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
	Stale    bool        `json:"stale,omitempty"`
}
