// Package session locates session identifiers in HTTP requests.
package session

import (
	"fmt"
	"net/http"
)

// Location kinds.
const (
	KindHeader = "header"
	KindQuery  = "query"
)

// Location describes where the session id travels on a request.
type Location struct {
	Name string
	Kind string
}

// NewHeaderLocation creates a header-carried session id location.
func NewHeaderLocation(name string) *Location {
	return &Location{Name: name, Kind: KindHeader}
}

// NewQueryLocation creates a query-parameter session id location.
func NewQueryLocation(name string) *Location {
	return &Location{Name: name, Kind: KindQuery}
}

// Locate retrieves the session id from the request, empty when absent.
func (l *Location) Locate(request *http.Request) (string, error) {
	if request == nil {
		return "", fmt.Errorf("request was nil")
	}
	switch l.Kind {
	case KindHeader:
		return request.Header.Get(l.Name), nil
	case KindQuery:
		return request.URL.Query().Get(l.Name), nil
	}
	return "", fmt.Errorf("unsupported session id location kind: %s for name: %s", l.Kind, l.Name)
}
