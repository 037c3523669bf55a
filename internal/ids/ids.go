// Package ids generates sortable unique identifiers for sessions and work items.
package ids

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// New returns a new ULID string. IDs sort by creation time.
func New() string {
	return ulid.Make().String()
}

// Short returns the trailing eight characters of id, lowercased, for display
// and for generated branch suffixes.
func Short(id string) string {
	if len(id) <= 8 {
		return strings.ToLower(id)
	}
	return strings.ToLower(id[len(id)-8:])
}
