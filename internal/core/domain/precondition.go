package domain

import "fmt"

// Precondition gates delivery on an event with ETag having been durably
// recorded against the aggregate identified by Scope.
type Precondition struct {
	Scope string `json:"scope"`
	ETag  string `json:"etag"`
}

func (p Precondition) String() string {
	return fmt.Sprintf("%s@%s", p.ETag, p.Scope)
}
