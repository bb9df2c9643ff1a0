package session

import (
	"fmt"
	"net/http"
	"net/url"
)

// Locator resolves a session id to and from an HTTP request, according to a
// configured Location (header, query parameter, or cookie).
type Locator interface {
	// Locate extracts the session id carried at location, or "" if absent.
	Locate(location *Location, request *http.Request) (string, error)
	// Set records id at location into values (used when building URIs/query
	// strings that carry the session id, e.g. the SSE "event: endpoint" URI).
	Set(location *Location, values url.Values, id string) error
}

// DefaultLocator implements Locator: Locate handles the header, query and
// cookie kinds; Set handles only the query kind and returns an error for others.
type DefaultLocator struct{}

// NewLocator constructs the default Locator implementation.
func NewLocator() *DefaultLocator {
	return &DefaultLocator{}
}

func (l *DefaultLocator) Locate(location *Location, request *http.Request) (string, error) {
	if request == nil {
		return "", fmt.Errorf("request was nil")
	}
	if location == nil {
		return "", fmt.Errorf("sessionIdLocation was nil")
	}
	switch location.Kind {
	case "header":
		return request.Header.Get(location.Name), nil
	case "query":
		return request.URL.Query().Get(location.Name), nil
	case "cookie":
		c, err := request.Cookie(location.Name)
		if err != nil {
			return "", nil
		}
		return c.Value, nil
	}
	return "", fmt.Errorf("unsupported sessionIdLocation kind: %s for name: %s", location.Kind, location.Name)
}

func (l *DefaultLocator) Set(location *Location, values url.Values, id string) error {
	if values == nil {
		return fmt.Errorf("values were nil")
	}
	if location == nil {
		return fmt.Errorf("sessionIdLocation was nil")
	}
	switch location.Kind {
	case "query":
		values.Set(location.Name, id)
	default:
		return fmt.Errorf("unsupported sessionIdLocation kind: %s for name: %s", location.Kind, location.Name)
	}
	return nil
}
