package pulseclient

import (
	"github.com/gopulse/pulseclient/internal/proto"
	"github.com/gopulse/pulseclient/internal/tagstruct"
)

// buildFrame encodes a control frame's payload: command and tag first,
// per spec.md §6.2, followed by whatever command-specific fields fill
// writes.
func buildFrame(command proto.Command, tag uint32, fill func(w *tagstruct.Writer)) []byte {
	w := tagstruct.NewWriter()
	w.PutU32(uint32(command))
	w.PutU32(tag)
	if fill != nil {
		fill(w)
	}
	return w.Bytes()
}

// decodeHeader reads the (command, tag) pair every inbound control frame
// starts with.
func decodeHeader(payload []byte) (proto.Command, uint32, *tagstruct.Reader, error) {
	r := tagstruct.NewReader(payload)
	cmdRaw, err := r.GetU32()
	if err != nil {
		return 0, 0, nil, err
	}
	tag, err := r.GetU32()
	if err != nil {
		return 0, 0, nil, err
	}
	return proto.Command(cmdRaw), tag, r, nil
}
