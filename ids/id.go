// This package defines the ids handed out by the machine. Request ids and flow ids are random
// UUIDs, formatted as strings so they can cross the request/response boundary unchanged.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

type RequestID string

func NewRequestID() RequestID {
	return RequestID(uuid.NewString())
}

func ParseRequestID(s string) (RequestID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("ids: invalid request id %q: %w", s, err)
	}
	return RequestID(s), nil
}

func (id RequestID) String() string {
	return string(id)
}

// NewFlowID makes a transaction id for a to-device verification flow.
func NewFlowID() string {
	return uuid.NewString()
}

type ByLexicographical []RequestID

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return s[i] < s[j] }
