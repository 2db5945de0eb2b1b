// Package frame implements the binary wire format for client messages:
//
//	byte 0..4   : big-endian uint32 L, the length of the JSON document
//	byte 4..4+L : UTF-8 JSON document decoded as an action.Action
//	byte 4+L..  : opaque payload, possibly empty
//
// Text messages carry a bare JSON action and never a payload.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/morezero/action-gateway/pkg/action"
)

const logPrefix = "frame:frame"

// LengthPrefixLen is the size of the JSON length prefix.
const LengthPrefixLen = 4

// MaxJSONLen is the largest JSON document a frame can describe.
const MaxJSONLen = math.MaxUint32

// maxPartialPreview bounds how many partial bytes DecodeError.Error renders.
const maxPartialPreview = 256

var (
	ErrFrameTooShort = errors.New("frame: message shorter than length prefix")
	ErrLengthRead    = errors.New("frame: could not read json length")
	ErrJSONTruncated = errors.New("frame: json document truncated")
	ErrJSONParse     = errors.New("frame: json document invalid")
	ErrJSONTooLarge  = errors.New("frame: json document too large")
)

// DecodeError carries diagnostics for a frame whose JSON section could not be
// read or parsed. Err is ErrJSONTruncated or ErrJSONParse.
type DecodeError struct {
	Err         error
	Total       int    // bytes following the length prefix
	DeclaredLen uint32 // L as read from the prefix
	Partial     []byte // JSON bytes read before the failure
	Detail      string // parser message, if any
}

func (e *DecodeError) Error() string {
	preview := e.Partial
	suffix := ""
	if len(preview) > maxPartialPreview {
		preview = preview[:maxPartialPreview]
		suffix = "..."
	}
	msg := fmt.Sprintf("%v; total_size: %d; json_str_len: %d; trying to decode: %v%s",
		e.Err, e.Total, e.DeclaredLen, preview, suffix)
	if e.Detail != "" {
		msg += "; " + e.Detail
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode splits a binary message into its action and payload. The returned
// payload is always non-nil on success, even when empty. Decode never panics.
func Decode(msg []byte) (*action.Action, []byte, error) {
	if len(msg) < LengthPrefixLen {
		return nil, nil, ErrFrameTooShort
	}

	c := newCursor(msg)
	jsonLen, err := c.readUint32()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrLengthRead, err)
	}

	total := c.remaining()
	doc, err := c.readN(jsonLen)
	if err != nil {
		return nil, nil, &DecodeError{
			Err:         ErrJSONTruncated,
			Total:       total,
			DeclaredLen: jsonLen,
			Partial:     doc,
		}
	}

	a, err := action.Parse(doc)
	if err != nil {
		return nil, nil, &DecodeError{
			Err:         ErrJSONParse,
			Total:       total,
			DeclaredLen: jsonLen,
			Partial:     doc,
			Detail:      err.Error(),
		}
	}

	return a, c.rest(), nil
}

// Encode builds a binary frame from an action and a payload.
func Encode(a *action.Action, payload []byte) ([]byte, error) {
	doc, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode action: %w", logPrefix, err)
	}
	return EncodeRaw(doc, payload)
}

// EncodeRaw builds a binary frame from an already-serialized JSON document.
func EncodeRaw(doc, payload []byte) ([]byte, error) {
	if uint64(len(doc)) > MaxJSONLen {
		return nil, ErrJSONTooLarge
	}
	out := make([]byte, LengthPrefixLen+len(doc)+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(doc)))
	copy(out[LengthPrefixLen:], doc)
	copy(out[LengthPrefixLen+len(doc):], payload)
	return out, nil
}

// EncodeText serializes an action for a text message.
func EncodeText(a *action.Action) (string, error) {
	return a.Encode()
}
