package xcvr

import (
	"fmt"
	"net"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
)

// Address scope as carried on the wire.
const (
	ScopePublic uint8 = 0
	ScopeRandom uint8 = 1
)

// NodeAddr identifies a sensor node behind a transceiver. Comparable, so it
// works as a map key.
type NodeAddr struct {
	Scope uint8
	MAC   [6]byte
}

// nodeAddrWire is the CBOR shape: a two element array of scope and raw MAC
// bytes. A fixed size array field would encode as an array of ints, hence the
// []byte indirection.
type nodeAddrWire struct {
	_     struct{} `cbor:",toarray"`
	Scope uint8
	MAC   []byte
}

func (a NodeAddr) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(nodeAddrWire{Scope: a.Scope, MAC: a.MAC[:]})
}

func (a *NodeAddr) UnmarshalCBOR(b []byte) error {
	var w nodeAddrWire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return errors.Annotate(err, "node address")
	}
	if len(w.MAC) != len(a.MAC) {
		return errors.Errorf("node address mac is %d bytes want %d", len(w.MAC), len(a.MAC))
	}
	a.Scope = w.Scope
	copy(a.MAC[:], w.MAC)
	return nil
}

// ParseNodeAddr accepts "aa:bb:cc:dd:ee:ff" with ":" or "-" separators and an
// optional "/public" or "/random" suffix. Without a suffix the scope is public.
func ParseNodeAddr(s string) (NodeAddr, error) {
	a := NodeAddr{}
	macPart, scopePart, hasScope := strings.Cut(s, "/")
	if hasScope {
		switch strings.ToLower(scopePart) {
		case "public":
			a.Scope = ScopePublic
		case "random":
			a.Scope = ScopeRandom
		default:
			return a, errors.NotValidf("node address scope %q", scopePart)
		}
	}
	hw, err := net.ParseMAC(macPart)
	if err != nil || len(hw) != len(a.MAC) {
		return a, errors.NotValidf("node address %q", s)
	}
	copy(a.MAC[:], hw)
	return a, nil
}

func (a NodeAddr) String() string {
	scope := "public"
	if a.Scope != ScopePublic {
		scope = "random"
	}
	return fmt.Sprintf("%s/%s", net.HardwareAddr(a.MAC[:]).String(), scope)
}

// DirName renders the address with filesystem safe separators.
func (a NodeAddr) DirName() string {
	return strings.NewReplacer(":", "-", "/", "-").Replace(a.String())
}
