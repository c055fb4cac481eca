package node

import "github.com/juju/errors"

// Control point opcodes.
const (
	opResponseCode          byte = 1
	opReportSnippet         byte = 2
	opReportAggregates      byte = 3
	opReportHealth          byte = 4
	opGetVersion            byte = 5
	opGetVersionResponse    byte = 6
	opWriteSettings         byte = 7
	opWriteSettingsResponse byte = 8
	opReportSettings        byte = 9
	opApplySettings         byte = 10
	opApplySettingsResponse byte = 11
	opReboot                byte = 103
)

// Response codes carried in opResponseCode replies.
const (
	codeOK          byte = 1
	codeError       byte = 2
	codeUnsupported byte = 3
	codeBusy        byte = 4
	codeBadArgument byte = 5
)

// Failures reported by the node itself.
var (
	ErrNodeError       = errors.New("node error")
	ErrNodeUnsupported = errors.New("node opcode unsupported")
	ErrNodeBusy        = errors.New("node busy")
	ErrNodeBadArgument = errors.New("node bad argument")
)

func IsNodeBusy(err error) bool { return errors.Cause(err) == ErrNodeBusy }

func responseCodeErr(code byte) error {
	switch code {
	case codeError:
		return ErrNodeError
	case codeUnsupported:
		return ErrNodeUnsupported
	case codeBusy:
		return ErrNodeBusy
	case codeBadArgument:
		return ErrNodeBadArgument
	}
	return errors.Errorf("node response code %d", code)
}

const flagAutoResume byte = 1 << 0 // report enable argument
const flagWillReboot byte = 1 << 0 // apply settings response
