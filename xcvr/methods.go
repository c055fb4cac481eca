package xcvr

import (
	"context"
	"time"

	"github.com/juju/errors"
)

const (
	methodWellKnown         = ".well-known/methods"
	methodPing              = "ping"
	methodDeviceInfo        = "get_device_info"
	methodGetTime           = "get_time"
	methodSetTime           = "set_time"
	methodGetAssignedNodes  = "get_assigned_nodes"
	methodSetAssignedNodes  = "set_assigned_nodes"
	methodGetConnectedNodes = "get_connected_nodes"
	methodNodeRequest       = "node_request"
)

const (
	notifyNodeReport       = "node_report"
	notifyNodeConnected    = "node_connected"
	notifyNodeDisconnected = "node_disconnected"
)

type nodeEntry struct {
	Addr NodeAddr `cbor:"0,keyasint"`
}

type nodeListArg struct {
	Nodes []nodeEntry `cbor:"0,keyasint"`
}

type connectedEntry struct {
	Addr NodeAddr `cbor:"0,keyasint"`
	RSSI int      `cbor:"1,keyasint,omitempty"`
}

type connectedListResult struct {
	Nodes []connectedEntry `cbor:"0,keyasint"`
}

type timeArg struct {
	Time int64 `cbor:"0,keyasint"` // unix nanoseconds
}

// nodeDataArg carries node_request params and node_report notifications.
type nodeDataArg struct {
	Addr NodeAddr `cbor:"0,keyasint"`
	Data []byte   `cbor:"1,keyasint"`
}

// DeviceInfo describes the transceiver itself.
type DeviceInfo struct {
	Board        string   `cbor:"0,keyasint,omitempty"`
	HwRev        int      `cbor:"1,keyasint,omitempty"`
	DeviceID     []byte   `cbor:"2,keyasint,omitempty"`
	AppVersion   string   `cbor:"3,keyasint,omitempty"`
	AppBuild     string   `cbor:"4,keyasint,omitempty"`
	SerialNumber string   `cbor:"5,keyasint,omitempty"`
	Hostname     string   `cbor:"6,keyasint,omitempty"`
	MACAddress   []byte   `cbor:"7,keyasint,omitempty"`
	IPs          []string `cbor:"8,keyasint,omitempty"`
}

// ConnectedNode is an entry of get_connected_nodes.
type ConnectedNode struct {
	Addr NodeAddr
	RSSI int
}

func (l *Link) Ping(ctx context.Context) error {
	return errors.Trace(l.Request(ctx, methodPing, nil, nil))
}

func (l *Link) DeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	info := &DeviceInfo{}
	if err := l.Request(ctx, methodDeviceInfo, nil, info); err != nil {
		return nil, errors.Trace(err)
	}
	return info, nil
}

func (l *Link) GetTime(ctx context.Context) (time.Time, error) {
	var arg timeArg
	if err := l.Request(ctx, methodGetTime, nil, &arg); err != nil {
		return time.Time{}, errors.Trace(err)
	}
	return time.Unix(0, arg.Time), nil
}

func (l *Link) SetTime(ctx context.Context, t time.Time) error {
	return errors.Trace(l.Request(ctx, methodSetTime, timeArg{Time: t.UnixNano()}, nil))
}

func (l *Link) AssignedNodes(ctx context.Context) ([]NodeAddr, error) {
	var result nodeListArg
	if err := l.Request(ctx, methodGetAssignedNodes, nil, &result); err != nil {
		return nil, errors.Trace(err)
	}
	addrs := make([]NodeAddr, len(result.Nodes))
	for i, entry := range result.Nodes {
		addrs[i] = entry.Addr
	}
	return addrs, nil
}

// SetAssignedNodes replaces the set of nodes the transceiver maintains
// connections to.
func (l *Link) SetAssignedNodes(ctx context.Context, addrs []NodeAddr) error {
	arg := nodeListArg{Nodes: make([]nodeEntry, len(addrs))}
	for i, addr := range addrs {
		arg.Nodes[i] = nodeEntry{Addr: addr}
	}
	return errors.Trace(l.Request(ctx, methodSetAssignedNodes, arg, nil))
}

func (l *Link) ConnectedNodes(ctx context.Context) ([]ConnectedNode, error) {
	var result connectedListResult
	if err := l.Request(ctx, methodGetConnectedNodes, nil, &result); err != nil {
		return nil, errors.Trace(err)
	}
	nodes := make([]ConnectedNode, len(result.Nodes))
	for i, entry := range result.Nodes {
		nodes[i] = ConnectedNode{Addr: entry.Addr, RSSI: entry.RSSI}
	}
	return nodes, nil
}

// NodeRequest forwards data to the node control point and returns the raw
// response bytes.
func (l *Link) NodeRequest(ctx context.Context, addr NodeAddr, data []byte) ([]byte, error) {
	var response []byte
	err := l.Request(ctx, methodNodeRequest, nodeDataArg{Addr: addr, Data: data}, &response)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return response, nil
}
