package integrity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Priority orders ready envelopes inside a category.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a wire name into a Priority.
// An empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalJSON encodes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either a name ("high") or a number (0-3).
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParsePriority(name)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("priority must be a string or number: %w", err)
	}
	if n < int(PriorityLow) || n > int(PriorityCritical) {
		return fmt.Errorf("priority %d out of range", n)
	}
	*p = Priority(n)
	return nil
}

// Envelope is a unit of inbound data for one category.
type Envelope struct {
	ID         string
	Category   string
	Payload    json.RawMessage
	Timestamp  int64     // Server timestamp (ms since epoch), 0 if absent
	ReceivedAt time.Time // Local receive time

	// Sequence is only meaningful when Sequenced is true.
	Sequence  int64
	Sequenced bool

	Priority  Priority
	Retries   int
	TimeoutAt time.Time
	Checksum  uint64

	// queuedAt is ReceivedAt, or the time of the last requeue after a failed dispatch.
	queuedAt time.Time
}

// Checksum computes the content checksum used for duplicate detection.
// It identifies equal content, it is not a security boundary.
func Checksum(category string, payload []byte) uint64 {
	d := xxhash.New()
	d.WriteString(category)
	d.Write([]byte{0})
	d.Write(payload)
	return d.Sum64()
}

// ChecksumHex formats a checksum for use as a fallback envelope id.
func ChecksumHex(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

type dedupKey struct {
	id  string
	sum uint64
}
