package cluster

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// Member is a logical cluster participant. ID survives address changes; a
// restarted process that takes a fresh ID is a different member.
type Member struct {
	ID      string            `json:"id"`
	Address transport.Address `json:"address"`
}

// NewMember returns a member at addr with a random ID.
func NewMember(addr transport.Address) Member {
	return Member{ID: uuid.NewString(), Address: addr}
}

func (m Member) String() string {
	return m.ID + "@" + m.Address.String()
}

type Status uint8

const (
	Alive Status = iota
	Suspect
	Dead
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s > Dead {
		return nil, errors.Newf("invalid status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ALIVE":
		*s = Alive
	case "SUSPECT":
		*s = Suspect
	case "DEAD":
		*s = Dead
	default:
		return errors.Newf("invalid status %q", b)
	}
	return nil
}

// Record is one row of the membership table.
type Record struct {
	Member      Member `json:"member"`
	Incarnation uint64 `json:"incarnation"`
	Status      Status `json:"status"`
}

// Overrides reports whether r is strictly fresher than other: a higher
// incarnation wins, and at equal incarnations the more severe status wins.
// Records about different members never override each other.
func (r Record) Overrides(other Record) bool {
	if r.Member.ID != other.Member.ID {
		return false
	}
	if r.Incarnation != other.Incarnation {
		return r.Incarnation > other.Incarnation
	}
	return r.Status > other.Status
}

func (r Record) IsAlive() bool   { return r.Status == Alive }
func (r Record) IsSuspect() bool { return r.Status == Suspect }
func (r Record) IsDead() bool    { return r.Status == Dead }

func (r Record) String() string {
	return r.Member.String() + "#" + itoa(r.Incarnation) + ":" + r.Status.String()
}

// MemberSource returns a snapshot of the membership table. Engines call it
// from their own goroutines, so it must be safe for concurrent use.
type MemberSource func() []Record
