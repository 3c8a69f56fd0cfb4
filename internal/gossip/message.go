// Package gossip implements the UDP multicast cluster membership
// protocol of spec §4.G: HELLO/WAVE/SNEER/PING/PONG/BYE state
// transitions over a fixed group+port, liveness by touched-timestamp
// aging, and {major,minor} protocol version compatibility. Node
// bookkeeping (a mutex-guarded map keyed by name, Join/All-style
// accessors) is grounded in the teacher's
// internal/cluster/membership.go Membership type, generalized from
// static config-seeded membership to gossip-discovered membership.
package gossip

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/xapiand/searchd/internal/varint"
)

// Kind identifies a gossip message's purpose. Values match spec §6's
// wire enumeration exactly so on-the-wire bytes are stable across
// builds.
type Kind uint8

const (
	KindHello Kind = iota
	KindWave
	KindSneer
	KindPing
	KindPong
	KindBye

	// KindRequestVote, KindResponseVote and KindLeader carry the
	// per-region Raft election family of spec §4.H/§6 over the same
	// multicast transport as membership traffic. LEADERSHIP,
	// HEARTBEAT_LEADER and RESET from spec §6's wire enumeration are
	// folded into KindLeader and the internal reset path rather than
	// given distinct wire kinds, per internal/raft.MessageKind's own doc
	// comment (a heartbeat and a mastership announcement carry the same
	// {leader, term, known_members} payload, and RESET is purely local
	// state).
	KindRequestVote
	KindResponseVote
	KindLeader

	// KindDBLookup and KindDBLookupResponse carry the endpoint
	// resolver's broadcast-and-collect family of spec §4.I/§6.
	KindDBLookup
	KindDBLookupResponse
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindWave:
		return "WAVE"
	case KindSneer:
		return "SNEER"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindBye:
		return "BYE"
	case KindRequestVote:
		return "REQUEST_VOTE"
	case KindResponseVote:
		return "RESPONSE_VOTE"
	case KindLeader:
		return "LEADER"
	case KindDBLookup:
		return "DB_LOOKUP"
	case KindDBLookupResponse:
		return "DB_LOOKUP_RESPONSE"
	default:
		return fmt.Sprintf("KIND(%d)", k)
	}
}

// isRaftOrResolverKind reports whether k carries the extra
// Region/Term/VoteGranted/Path/Endpoint/Mastery fields appended after
// the base membership fields.
func isRaftOrResolverKind(k Kind) bool {
	switch k {
	case KindRequestVote, KindResponseVote, KindLeader, KindDBLookup, KindDBLookupResponse:
		return true
	default:
		return false
	}
}

// ProtocolVersion is the {major, minor} pair carried on every message.
// A receiver drops messages whose major differs from its own; a minor
// mismatch is tolerated (§4.G).
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

// CurrentVersion is this build's gossip protocol version.
var CurrentVersion = ProtocolVersion{Major: 1, Minor: 0}

// Compatible reports whether a received version may be processed
// against this build's CurrentVersion.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}

func (v ProtocolVersion) encode() uint16 {
	return uint16(v.Major)<<8 | uint16(v.Minor)
}

func decodeVersion(raw uint16) ProtocolVersion {
	return ProtocolVersion{Major: uint8(raw >> 8), Minor: uint8(raw)}
}

// Message is one gossip datagram: the core HELLO/WAVE/.../BYE family
// of spec §6's wire format (`u8 kind | u16 proto_version_LE |
// varint(cluster_name_len) | cluster_name_bytes | varint(ipv4) |
// varint(http_port) | varint(binary_port) | varint(node_name_len) |
// node_name_bytes | varint(pid)`).
type Message struct {
	Kind        Kind
	Version     ProtocolVersion
	ClusterName string
	Addr        uint32 // IPv4, host byte order
	HTTPPort    uint64
	BinaryPort  uint64
	NodeName    string
	PID         uint64

	// Region, Term and VoteGranted carry the Raft election family
	// (KindRequestVote/KindResponseVote/KindLeader); NodeName doubles
	// as the candidate/leader/from identity for these kinds.
	Region      uint16
	Term        uint64
	VoteGranted bool

	// Path, Endpoint and Mastery carry the resolver's DB-lookup family
	// (KindDBLookup/KindDBLookupResponse).
	Path     string
	Endpoint string
	Mastery  uint64
}

// Encode writes m's wire representation to w.
func (m Message) Encode(w io.Writer) error {
	if _, err := w.Write([]byte{byte(m.Kind)}); err != nil {
		return err
	}
	var verBuf [2]byte
	binary.LittleEndian.PutUint16(verBuf[:], m.Version.encode())
	if _, err := w.Write(verBuf[:]); err != nil {
		return err
	}
	if err := writeString(w, m.ClusterName); err != nil {
		return err
	}
	if err := varint.WriteUnbounded(w, uint64(m.Addr)); err != nil {
		return err
	}
	if err := varint.WriteUnbounded(w, m.HTTPPort); err != nil {
		return err
	}
	if err := varint.WriteUnbounded(w, m.BinaryPort); err != nil {
		return err
	}
	if err := writeString(w, m.NodeName); err != nil {
		return err
	}
	if err := varint.WriteUnbounded(w, m.PID); err != nil {
		return err
	}
	if !isRaftOrResolverKind(m.Kind) {
		return nil
	}
	return m.encodeExtra(w)
}

func (m Message) encodeExtra(w io.Writer) error {
	switch m.Kind {
	case KindRequestVote, KindResponseVote, KindLeader:
		if err := varint.WriteUnbounded(w, uint64(m.Region)); err != nil {
			return err
		}
		if err := varint.WriteUnbounded(w, m.Term); err != nil {
			return err
		}
		granted := byte(0)
		if m.VoteGranted {
			granted = 1
		}
		_, err := w.Write([]byte{granted})
		return err
	case KindDBLookup:
		return writeString(w, m.Path)
	case KindDBLookupResponse:
		if err := writeString(w, m.Path); err != nil {
			return err
		}
		if err := writeString(w, m.Endpoint); err != nil {
			return err
		}
		return varint.WriteUnbounded(w, m.Mastery)
	default:
		return nil
	}
}

func writeString(w io.Writer, s string) error {
	if err := varint.WriteUnbounded(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// Decode parses one Message from a raw UDP payload.
func Decode(data []byte) (Message, error) {
	if len(data) < 3 {
		return Message{}, fmt.Errorf("gossip: datagram too short (%d bytes)", len(data))
	}
	var m Message
	m.Kind = Kind(data[0])
	m.Version = decodeVersion(binary.LittleEndian.Uint16(data[1:3]))

	r := varint.NewByteReader(bytes.NewReader(data[3:]))

	clusterLen, err := varint.ReadUnbounded(r)
	if err != nil {
		return Message{}, fmt.Errorf("gossip: cluster name length: %w", err)
	}
	clusterBytes, err := varint.ReadBounded(r, clusterLen)
	if err != nil {
		return Message{}, fmt.Errorf("gossip: cluster name: %w", err)
	}
	m.ClusterName = string(clusterBytes)

	addr, err := varint.ReadUnbounded(r)
	if err != nil {
		return Message{}, fmt.Errorf("gossip: addr: %w", err)
	}
	m.Addr = uint32(addr)

	m.HTTPPort, err = varint.ReadUnbounded(r)
	if err != nil {
		return Message{}, fmt.Errorf("gossip: http_port: %w", err)
	}
	m.BinaryPort, err = varint.ReadUnbounded(r)
	if err != nil {
		return Message{}, fmt.Errorf("gossip: binary_port: %w", err)
	}

	nameLen, err := varint.ReadUnbounded(r)
	if err != nil {
		return Message{}, fmt.Errorf("gossip: node name length: %w", err)
	}
	nameBytes, err := varint.ReadBounded(r, nameLen)
	if err != nil {
		return Message{}, fmt.Errorf("gossip: node name: %w", err)
	}
	m.NodeName = string(nameBytes)

	m.PID, err = varint.ReadUnbounded(r)
	if err != nil {
		return Message{}, fmt.Errorf("gossip: pid: %w", err)
	}

	if isRaftOrResolverKind(m.Kind) {
		if err := m.decodeExtra(r); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

func (m *Message) decodeExtra(r *bufio.Reader) error {
	switch m.Kind {
	case KindRequestVote, KindResponseVote, KindLeader:
		region, err := varint.ReadUnbounded(r)
		if err != nil {
			return fmt.Errorf("gossip: region: %w", err)
		}
		m.Region = uint16(region)
		m.Term, err = varint.ReadUnbounded(r)
		if err != nil {
			return fmt.Errorf("gossip: term: %w", err)
		}
		granted, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("gossip: vote_granted: %w", err)
		}
		m.VoteGranted = granted != 0
		return nil
	case KindDBLookup:
		path, err := readString(r)
		if err != nil {
			return fmt.Errorf("gossip: path: %w", err)
		}
		m.Path = path
		return nil
	case KindDBLookupResponse:
		path, err := readString(r)
		if err != nil {
			return fmt.Errorf("gossip: path: %w", err)
		}
		m.Path = path
		endpoint, err := readString(r)
		if err != nil {
			return fmt.Errorf("gossip: endpoint: %w", err)
		}
		m.Endpoint = endpoint
		m.Mastery, err = varint.ReadUnbounded(r)
		if err != nil {
			return fmt.Errorf("gossip: mastery: %w", err)
		}
		return nil
	default:
		return nil
	}
}

func readString(r *bufio.Reader) (string, error) {
	n, err := varint.ReadUnbounded(r)
	if err != nil {
		return "", err
	}
	b, err := varint.ReadBounded(r, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
