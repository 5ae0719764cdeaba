package txn

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a transaction cluster-wide: the node it started on plus a
// sequence number local to that node.
type ID struct {
	Node string `json:"node"`
	Seq  uint64 `json:"seq"`
}

// Compare orders ids by node then sequence. It returns -1, 0 or +1.
func (id ID) Compare(other ID) int {
	if c := strings.Compare(id.Node, other.Node); c != 0 {
		return c
	}
	return cmp.Compare(id.Seq, other.Seq)
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool { return id.Compare(other) < 0 }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id.Node == "" && id.Seq == 0 }

func (id ID) String() string {
	return id.Node + ":" + strconv.FormatUint(id.Seq, 10)
}

// ParseID parses the output of ID.String.
func ParseID(s string) (ID, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return ID{}, fmt.Errorf("txn: malformed id %q", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("txn: malformed id %q: %w", s, err)
	}
	return ID{Node: s[:i], Seq: seq}, nil
}
