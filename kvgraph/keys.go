package kvgraph

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/abstract-base-method/graphcoll"
)

// Key layout, every part separated by a NUL byte:
//
//	n <node>                  node record
//	r <rel>                   relationship record
//	o <node> <type> <rel>     outgoing adjacency of node
//	i <node> <type> <rel>     incoming adjacency of node
const sep = "\x00"

const (
	nodeTag     = "n"
	relTag      = "r"
	outgoingTag = "o"
	incomingTag = "i"
)

func nodeKey(id graphcoll.NodeID) []byte {
	return []byte(nodeTag + sep + string(id))
}

func relKey(id graphcoll.RelationshipID) []byte {
	return []byte(relTag + sep + string(id))
}

func outgoingKey(node graphcoll.NodeID, typ graphcoll.RelationshipType, rel graphcoll.RelationshipID) []byte {
	return []byte(outgoingTag + sep + string(node) + sep + string(typ) + sep + string(rel))
}

func incomingKey(node graphcoll.NodeID, typ graphcoll.RelationshipType, rel graphcoll.RelationshipID) []byte {
	return []byte(incomingTag + sep + string(node) + sep + string(typ) + sep + string(rel))
}

// adjacencyPrefix scopes a scan to one node and direction, and to one type
// unless typ is empty.
func adjacencyPrefix(tag string, node graphcoll.NodeID, typ graphcoll.RelationshipType) []byte {
	if typ == "" {
		return []byte(tag + sep + string(node) + sep)
	}
	return []byte(tag + sep + string(node) + sep + string(typ) + sep)
}

func relIDFromAdjacencyKey(key []byte) (graphcoll.RelationshipID, error) {
	i := bytes.LastIndex(key, []byte(sep))
	if i < 0 || i == len(key)-1 {
		return "", fmt.Errorf("kvgraph: malformed adjacency key %q", key)
	}
	return graphcoll.RelationshipID(key[i+1:]), nil
}

// SplitAdjacency splits an adjacency key, or a scan prefix built by the
// store, into the part naming one node and direction and the remainder. ok is
// false for every other key. Engines use it to keep a node's adjacency in one
// structure.
func SplitAdjacency(key []byte) (index []byte, rest []byte, ok bool) {
	if len(key) < 2 || key[1] != sep[0] {
		return nil, nil, false
	}
	if tag := string(key[:1]); tag != outgoingTag && tag != incomingTag {
		return nil, nil, false
	}
	i := bytes.Index(key[2:], []byte(sep))
	if i < 0 {
		return nil, nil, false
	}
	return key[:2+i], key[2+i+1:], true
}

func validName(s string) bool {
	return s != "" && !strings.Contains(s, sep)
}
