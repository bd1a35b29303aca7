package dotp

import (
	"encoding/ascii85"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// NewID returns a globally unique identifier whose lexicographic order
// follows its creation time.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// VisibleID is the part of a PID which names a process regardless of its
// location. Used as a `Target`, it is looked up in the local registry.
type VisibleID string

// Target designates the process an operation is addressed to, either a
// `PID` or a `VisibleID`.
type Target interface {
	target()
}

func (VisibleID) target() {}
func (PID) target()       {}

// PID is the identity of a process: its visible id and the id of the node
// owning it. On the owning node, it also caches the `Isolate` itself.
type PID struct {
	vid    VisibleID
	nodeID string
	local  *Isolate
}

// PIDKey is the comparable identity of a PID, to be used as a map key.
type PIDKey struct {
	VisibleID VisibleID
	NodeID    string
}

// NewPID builds a PID without local reference, as if it was received from
// the wire.
func NewPID(vid VisibleID, nodeID string) PID {
	return PID{vid: vid, nodeID: nodeID}
}

func (pid PID) VisibleID() VisibleID {
	return pid.vid
}

func (pid PID) NodeID() string {
	return pid.nodeID
}

// Isolate returns the process the PID refers to, only available on the
// node which spawned it.
func (pid PID) Isolate() (*Isolate, bool) {
	return pid.local, pid.local != nil
}

func (pid PID) IsZero() bool {
	return pid.vid == "" && pid.nodeID == ""
}

func (pid PID) Key() PIDKey {
	return PIDKey{VisibleID: pid.vid, NodeID: pid.nodeID}
}

// Equal compares identities, the local reference is ignored.
func (pid PID) Equal(other PID) bool {
	return pid.vid == other.vid && pid.nodeID == other.nodeID
}

func (pid PID) String() string {
	return fmt.Sprintf("<%s.%s>", pid.nodeID, pid.vid)
}

func (pid PID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("node", pid.nodeID),
		slog.String("vid", string(pid.vid)),
	)
}

// pidRecord is the wire form of a PID.
type pidRecord struct {
	VID string `cbor:"vid"`
	IP  []byte `cbor:"ip"`
}

// Encode returns the binary form of pid exchanged over the wire.
func (pid PID) Encode() ([]byte, error) {
	if pid.vid == "" || pid.nodeID == "" {
		return nil, fmt.Errorf("%w: incomplete pid %s", ErrEncode, pid)
	}

	ip := make([]byte, ascii85.MaxEncodedLen(len(pid.nodeID)))
	n := ascii85.Encode(ip, []byte(pid.nodeID))

	buf, err := encMode.Marshal(pidRecord{
		VID: string(pid.vid),
		IP:  ip[:n],
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf, nil
}

// DecodePID is the inverse of `PID.Encode`.
func DecodePID(buf []byte) (PID, error) {
	var rec pidRecord
	if err := decMode.Unmarshal(buf, &rec); err != nil {
		return PID{}, fmt.Errorf("%w: pid: %w", ErrDecode, err)
	}
	if rec.VID == "" {
		return PID{}, fmt.Errorf("%w: pid: missing vid", ErrDecode)
	}
	if len(rec.IP) == 0 {
		return PID{}, fmt.Errorf("%w: pid: missing ip", ErrDecode)
	}

	// "z" expands to four bytes.
	nodeID := make([]byte, 4*len(rec.IP))
	n, _, err := ascii85.Decode(nodeID, rec.IP, true)
	if err != nil {
		return PID{}, fmt.Errorf("%w: pid: %w", ErrDecode, err)
	}
	if n == 0 {
		return PID{}, fmt.Errorf("%w: pid: empty node id", ErrDecode)
	}

	return PID{vid: VisibleID(rec.VID), nodeID: string(nodeID[:n])}, nil
}

// MarshalCBOR embeds the binary form of pid as a byte string so frames
// always carry PIDs the way `PID.Encode` does.
func (pid PID) MarshalCBOR() ([]byte, error) {
	buf, err := pid.Encode()
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(buf)
}

func (pid *PID) UnmarshalCBOR(data []byte) error {
	var buf []byte
	if err := decMode.Unmarshal(data, &buf); err != nil {
		return fmt.Errorf("%w: pid: %w", ErrDecode, err)
	}
	decoded, err := DecodePID(buf)
	if err != nil {
		return err
	}
	*pid = decoded
	return nil
}

// DecodePIDs decodes all of bufs, or none at all.
func DecodePIDs(bufs [][]byte) ([]PID, error) {
	pids := make([]PID, 0, len(bufs))
	for i, buf := range bufs {
		pid, err := DecodePID(buf)
		if err != nil {
			return nil, fmt.Errorf("pid #%d: %w", i, err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
