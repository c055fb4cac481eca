package node

import (
	"context"
	"encoding/binary"

	"github.com/juju/errors"

	"fieldlink/log2"
	"fieldlink/report"
	"fieldlink/settings"
	"fieldlink/xcvr"
)

// Client frames control point requests for one node and routes them through
// the transceiver link.
type Client struct {
	link *xcvr.Link
	addr xcvr.NodeAddr
	log  *log2.Log
}

func NewClient(link *xcvr.Link, addr xcvr.NodeAddr, log *log2.Log) *Client {
	return &Client{link: link, addr: addr, log: log}
}

func (c *Client) Addr() xcvr.NodeAddr { return c.addr }

// request sends opcode+arg and returns the response opcode and payload.
// A status-only reply comes back as (opResponseCode, nil, nil) when the node
// answered OK; failure codes become typed errors.
func (c *Client) request(ctx context.Context, opcode byte, arg []byte) (byte, []byte, error) {
	req := make([]byte, 0, 1+len(arg))
	req = append(req, opcode)
	req = append(req, arg...)
	response, err := c.link.NodeRequest(ctx, c.addr, req)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	if len(response) == 0 {
		return 0, nil, errors.Errorf("node %s empty response to opcode %d", c.addr, opcode)
	}
	if response[0] != opResponseCode {
		return response[0], response[1:], nil
	}
	if len(response) != 3 {
		return 0, nil, errors.Errorf("node %s response code of %d bytes", c.addr, len(response))
	}
	if response[1] != opcode {
		c.log.Errorf("node %s response opcode mismatch sent=%d echoed=%d", c.addr, opcode, response[1])
	}
	if response[2] != codeOK {
		return 0, nil, errors.Annotatef(responseCodeErr(response[2]), "opcode %d", opcode)
	}
	return opResponseCode, nil, nil
}

// payload like request, but the reply must carry data under wantOp.
func (c *Client) payload(ctx context.Context, opcode, wantOp byte, arg []byte) ([]byte, error) {
	respOp, body, err := c.request(ctx, opcode, arg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if respOp != wantOp {
		return nil, errors.Errorf("node %s opcode %d response opcode %d want %d", c.addr, opcode, respOp, wantOp)
	}
	return body, nil
}

// status like request, but only an OK status reply is acceptable.
func (c *Client) status(ctx context.Context, opcode byte, arg []byte) error {
	respOp, _, err := c.request(ctx, opcode, arg)
	if err != nil {
		return errors.Trace(err)
	}
	if respOp != opResponseCode {
		return errors.Errorf("node %s opcode %d unexpected response opcode %d", c.addr, opcode, respOp)
	}
	return nil
}

func (c *Client) GetVersion(ctx context.Context) (*report.VersionInfo, error) {
	body, err := c.payload(ctx, opGetVersion, opGetVersionResponse, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	v := &report.VersionInfo{}
	if err := v.UnmarshalBinary(body); err != nil {
		return nil, errors.Trace(err)
	}
	return v, nil
}

// GetSettings reads the node's active settings.
func (c *Client) GetSettings(ctx context.Context) (settings.Settings, error) {
	body, err := c.payload(ctx, opReportSettings, opReportSettings, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	active, err := report.DecodeSettings(body)
	return active, errors.Trace(err)
}

// WriteSettings stages values on the node and returns the keys the node
// acknowledged. Keys it does not know are simply absent from the result.
func (c *Client) WriteSettings(ctx context.Context, s settings.Settings) ([]uint8, error) {
	arg, err := report.EncodeSettings(s)
	if err != nil {
		return nil, errors.Trace(err)
	}
	body, err := c.payload(ctx, opWriteSettings, opWriteSettingsResponse, arg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(body) < 1 || int(body[0]) != len(body)-1 {
		return nil, errors.Errorf("node %s write settings ack count=%d len=%d", c.addr, body[0], len(body)-1)
	}
	acked := make([]uint8, len(body)-1)
	copy(acked, body[1:])
	return acked, nil
}

// ApplySettings commits staged settings. persist survives reboot. The
// returned flag tells whether the node reboots to apply them.
func (c *Client) ApplySettings(ctx context.Context, persist bool) (bool, error) {
	arg := []byte{0}
	if persist {
		arg[0] = 1
	}
	body, err := c.payload(ctx, opApplySettings, opApplySettingsResponse, arg)
	if err != nil {
		return false, errors.Trace(err)
	}
	if len(body) != 1 {
		return false, errors.Errorf("node %s apply settings response of %d bytes", c.addr, len(body))
	}
	return body[0]&flagWillReboot != 0, nil
}

// EnableHealth toggles periodic health reports.
func (c *Client) EnableHealth(ctx context.Context, active bool) error {
	arg := []byte{0}
	if active {
		arg[0] = 1
	}
	return errors.Trace(c.status(ctx, opReportHealth, arg))
}

// EnableSnippets requests count snippet reports; count 0 means unlimited.
func (c *Client) EnableSnippets(ctx context.Context, count uint16, autoResume bool) error {
	return errors.Trace(c.status(ctx, opReportSnippet, enableArg(count, autoResume)))
}

func (c *Client) EnableAggregates(ctx context.Context, count uint16, autoResume bool) error {
	return errors.Trace(c.status(ctx, opReportAggregates, enableArg(count, autoResume)))
}

func (c *Client) Reboot(ctx context.Context) error {
	return errors.Trace(c.status(ctx, opReboot, nil))
}

func enableArg(count uint16, autoResume bool) []byte {
	arg := make([]byte, 3)
	binary.LittleEndian.PutUint16(arg, count)
	if autoResume {
		arg[2] |= flagAutoResume
	}
	return arg
}
