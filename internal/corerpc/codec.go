package corerpc

import (
	"fmt"
)

// rawMessage carries an already-encoded frame through the grpc stack.
type rawMessage struct {
	data []byte
}

// rawCodec passes message bytes through untouched; envelope encoding and
// decoding is done by hand in envelope.go. The codec advertises the standard
// proto content subtype so servers treat the frames as regular protobuf.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	m.data = append(m.data[:0], data...)
	return nil
}

func (rawCodec) Name() string {
	return "proto"
}
