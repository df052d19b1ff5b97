package badger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/arborfs/arbor/pkg/store/node"
)

// Node documents are stored as JSON: human-inspectable, schema-tolerant, and
// cheap to evolve. Counters are 8-byte big-endian integers since they are
// rewritten on every content mutation.

func encodeNode(n *node.Node) ([]byte, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode node %s: %w", n.ID, err)
	}
	return raw, nil
}

func decodeNode(raw []byte) (*node.Node, error) {
	var n node.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	return &n, nil
}

func encodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeCounter(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("decode counter: unexpected length %d", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}
