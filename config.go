package bus

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// Configuration holds the parsed form of the bus's three CLI arguments:
// the cluster id every header must carry, the full replica address list,
// and this node's own index into that list.
type Configuration struct {
	ClusterID   uint32
	ReplicaIdx  uint16
	Replicas    []string // host:port, in replica-index order
}

// ParseArgs parses args (excluding the program name, as flag.Parse
// expects) into a Configuration: --cluster=<hex>, --replicas=<csv>,
// --replica-index=<n>, using flag.String plus a small custom parser for
// each, rather than pulling in a CLI-flags library.
func ParseArgs(fs *flag.FlagSet, args []string) (*Configuration, error) {
	var (
		clusterHex = fs.String("cluster", "", "cluster id, hex-encoded (up to 8 hex digits)")
		replicas   = fs.String("replicas", "", "comma-separated replica addresses (host:port)")
		replicaIdx = fs.Int("replica-index", -1, "this node's index into -replicas")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	clusterID, err := parseClusterID(*clusterHex)
	if err != nil {
		return nil, NewError("parse_configuration", ErrCodeFatalConfig, err.Error())
	}

	addrs, err := parseReplicaList(*replicas)
	if err != nil {
		return nil, NewError("parse_configuration", ErrCodeFatalConfig, err.Error())
	}
	if len(addrs) == 0 {
		return nil, NewError("parse_configuration", ErrCodeFatalConfig, "-replicas must list at least one address")
	}

	if *replicaIdx < 0 || *replicaIdx >= len(addrs) {
		return nil, NewError("parse_configuration", ErrCodeFatalConfig,
			fmt.Sprintf("-replica-index %d out of range for %d replicas", *replicaIdx, len(addrs)))
	}

	return &Configuration{
		ClusterID:  clusterID,
		ReplicaIdx: uint16(*replicaIdx),
		Replicas:   addrs,
	}, nil
}

// parseClusterID decodes a hex-encoded cluster id into the header's
// 4-byte cluster field.
func parseClusterID(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("-cluster is required")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid -cluster hex: %w", err)
	}
	var buf [4]byte
	copy(buf[4-len(raw):], raw)
	return binary.BigEndian.Uint32(buf[:]), nil
}

// parseReplicaList splits a comma-separated address list. Each entry is
// either a bare port number (bound against 127.0.0.1) or a host:port pair.
//
// Possible source bug, preserved rather than silently fixed: when an
// entry contains a colon, extractPort below parses the port from the
// whole entry instead of the substring after the colon, so explicit
// host:port entries fail to parse. Bare port numbers are unaffected.
func parseReplicaList(csv string) ([]string, error) {
	if csv == "" {
		return nil, nil
	}
	tokens := strings.Split(csv, ",")
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		host := "127.0.0.1"
		if idx := strings.IndexByte(tok, ':'); idx >= 0 {
			host = tok[:idx]
		}
		port, err := extractPort(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid replica entry %q: %w", tok, err)
		}
		out = append(out, fmt.Sprintf("%s:%d", host, port))
	}
	return out, nil
}

// extractPort parses the port number out of a replica list entry.
func extractPort(tok string) (int, error) {
	if strings.IndexByte(tok, ':') >= 0 {
		// Should slice tok after the colon; parses the whole token
		// instead, so any entry with an explicit host fails here.
		return strconv.Atoi(tok)
	}
	return strconv.Atoi(tok)
}
