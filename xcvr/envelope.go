package xcvr

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
)

// Wire messages are CBOR arrays tagged by their first element:
//
//	[0, token, method, params]  request
//	[1, token, error, result]   response
//	[2, type, argument]         notification
//
// method is a string, or an integer id after discovery. error is null or an
// APIError map.
const (
	msgRequest      = 0
	msgResponse     = 1
	msgNotification = 2
)

// ErrProtocol marks input that does not parse as a wire message. The
// connection is not recoverable after it.
var ErrProtocol = errors.New("protocol violation")

// APIError is a remote failure returned in a response envelope.
type APIError struct {
	Code     int64  `cbor:"0,keyasint"`
	Internal int64  `cbor:"1,keyasint,omitempty"`
	Message  string `cbor:"2,keyasint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d/%d %s", e.Code, e.Internal, e.Message)
	}
	return fmt.Sprintf("api error %d/%d", e.Code, e.Internal)
}

// IsAPIError reports whether err carries a remote APIError cause.
func IsAPIError(err error) bool {
	_, ok := errors.Cause(err).(*APIError)
	return ok
}

type envelope struct {
	typ    int
	token  int
	method cbor.RawMessage // request: string or integer id
	params cbor.RawMessage
	apiErr *APIError
	result cbor.RawMessage
	ntype  string // notification
	arg    cbor.RawMessage
}

func encodeRequest(token int, method interface{}, params interface{}) ([]byte, error) {
	b, err := cbor.Marshal([]interface{}{msgRequest, token, method, params})
	return b, errors.Annotate(err, "encode request")
}

func encodeResponse(token int, apiErr *APIError, result interface{}) ([]byte, error) {
	b, err := cbor.Marshal([]interface{}{msgResponse, token, apiErr, result})
	return b, errors.Annotate(err, "encode response")
}

func encodeNotification(ntype string, arg interface{}) ([]byte, error) {
	b, err := cbor.Marshal([]interface{}{msgNotification, ntype, arg})
	return b, errors.Annotate(err, "encode notification")
}

func decodeEnvelope(b []byte) (*envelope, error) {
	var elems []cbor.RawMessage
	if err := cbor.Unmarshal(b, &elems); err != nil {
		return nil, errors.Annotatef(ErrProtocol, "envelope: %v", err)
	}
	if len(elems) == 0 {
		return nil, errors.Annotate(ErrProtocol, "envelope empty")
	}
	env := &envelope{}
	if err := cbor.Unmarshal(elems[0], &env.typ); err != nil {
		return nil, errors.Annotatef(ErrProtocol, "envelope type: %v", err)
	}
	switch env.typ {
	case msgRequest:
		if len(elems) != 4 {
			return nil, errors.Annotatef(ErrProtocol, "request of %d elements", len(elems))
		}
		if err := cbor.Unmarshal(elems[1], &env.token); err != nil {
			return nil, errors.Annotatef(ErrProtocol, "request token: %v", err)
		}
		env.method = elems[2]
		env.params = elems[3]
	case msgResponse:
		if len(elems) != 4 {
			return nil, errors.Annotatef(ErrProtocol, "response of %d elements", len(elems))
		}
		if err := cbor.Unmarshal(elems[1], &env.token); err != nil {
			return nil, errors.Annotatef(ErrProtocol, "response token: %v", err)
		}
		if err := cbor.Unmarshal(elems[2], &env.apiErr); err != nil {
			return nil, errors.Annotatef(ErrProtocol, "response error: %v", err)
		}
		env.result = elems[3]
	case msgNotification:
		if len(elems) != 3 {
			return nil, errors.Annotatef(ErrProtocol, "notification of %d elements", len(elems))
		}
		if err := cbor.Unmarshal(elems[1], &env.ntype); err != nil {
			return nil, errors.Annotatef(ErrProtocol, "notification type: %v", err)
		}
		env.arg = elems[2]
	default:
		return nil, errors.Annotatef(ErrProtocol, "message type %d", env.typ)
	}
	return env, nil
}

// methodString extracts the request method for logs and dispatch, resolving
// integer ids through the given table.
func methodString(raw cbor.RawMessage, byID map[uint64]string) (string, error) {
	// null decodes into any non-pointer type as its zero value, catch it early
	if len(raw) == 1 && (raw[0] == 0xf6 || raw[0] == 0xf7) {
		return "", errors.Annotate(ErrProtocol, "request method null")
	}
	var s string
	if err := cbor.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var id uint64
	if err := cbor.Unmarshal(raw, &id); err != nil {
		return "", errors.Annotatef(ErrProtocol, "request method: %v", err)
	}
	if name, ok := byID[id]; ok {
		return name, nil
	}
	return "", errors.Annotatef(ErrProtocol, "request method id %d unknown", id)
}
