package cmis

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// RepositoryInfo is one entry of the service document returned by the
// browser binding endpoint.
type RepositoryInfo struct {
	ID            string `json:"repositoryId"`
	Name          string `json:"repositoryName"`
	ProductName   string `json:"productName"`
	RepositoryURL string `json:"repositoryUrl"`
	RootFolderURL string `json:"rootFolderUrl"`
}

// childrenResponse is returned by cmisselector=children.
type childrenResponse struct {
	Objects []struct {
		Object json.RawMessage `json:"object"`
	} `json:"objects"`
	HasMoreItems bool  `json:"hasMoreItems"`
	NumItems     int64 `json:"numItems"`
}

// errorResponse is the browser binding error body.
type errorResponse struct {
	Exception string `json:"exception"`
	Message   string `json:"message"`
}

// StatusError is returned when the repository answers with a non-success
// status. Transport failures are never StatusErrors.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	msg := e.Body
	var er errorResponse
	if json.Unmarshal([]byte(e.Body), &er) == nil && er.Message != "" {
		msg = er.Exception + ": " + er.Message
	}
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	return fmt.Sprintf("cmis %s: status %d: %s", e.Op, e.Code, msg)
}

// AsStatus checks if an error is a StatusError and returns it.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsNotFound reports whether err is a 404 from the repository.
func IsNotFound(err error) bool {
	se, ok := AsStatus(err)
	return ok && se.Code == http.StatusNotFound
}
