package corerpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vkaxevo/headersync/pkg/stream"
)

// Wire layout of the streaming API, hand-encoded with protowire.
//
// Request:
//
//	1: from_block_height (varint)
//	2: count             (varint; 0 subscribes to new blocks)
//	3: bloom_filter      (bytes; transaction streams only)
//
// Response envelope:
//
//	1: block_headers     (bytes; nested message, repeated 1: header bytes)
//	2: raw_transactions  (bytes; nested message, repeated 1: tx bytes)
//	3: raw_merkle_block  (bytes)
//
// Heights are never carried in responses; the readers derive them from their
// own bookkeeping.
const (
	reqFieldFromHeight = 1
	reqFieldCount      = 2
	reqFieldFilter     = 3

	respFieldBlockHeaders   = 1
	respFieldRawTxs         = 2
	respFieldRawMerkleBlock = 3

	nestedFieldItem = 1
)

func encodeStreamRequest(fromHeight, count uint32, filter []byte) []byte {
	var out []byte
	out = protowire.AppendTag(out, reqFieldFromHeight, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(fromHeight))
	out = protowire.AppendTag(out, reqFieldCount, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(count))
	if len(filter) > 0 {
		out = protowire.AppendTag(out, reqFieldFilter, protowire.BytesType)
		out = protowire.AppendBytes(out, filter)
	}
	return out
}

func decodeFrame(data []byte) (*stream.Frame, error) {
	f := &stream.Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decode frame: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("decode frame field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("decode frame field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case respFieldBlockHeaders:
			items, err := decodeRepeatedBytes(val)
			if err != nil {
				return nil, fmt.Errorf("decode block headers: %w", err)
			}
			f.BlockHeaders = items
		case respFieldRawTxs:
			items, err := decodeRepeatedBytes(val)
			if err != nil {
				return nil, fmt.Errorf("decode raw transactions: %w", err)
			}
			f.RawTransactions = items
		case respFieldRawMerkleBlock:
			f.RawMerkleBlock = append([]byte(nil), val...)
		}
	}
	return f, nil
}

func decodeRepeatedBytes(data []byte) ([][]byte, error) {
	var items [][]byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		if num != nestedFieldItem || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		items = append(items, append([]byte(nil), val...))
	}
	return items, nil
}

// encodeFrame builds a response envelope; used by the in-process test server.
func encodeFrame(f *stream.Frame) []byte {
	var out []byte
	if len(f.BlockHeaders) > 0 {
		out = protowire.AppendTag(out, respFieldBlockHeaders, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeRepeatedBytes(f.BlockHeaders))
	}
	if len(f.RawTransactions) > 0 {
		out = protowire.AppendTag(out, respFieldRawTxs, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeRepeatedBytes(f.RawTransactions))
	}
	if len(f.RawMerkleBlock) > 0 {
		out = protowire.AppendTag(out, respFieldRawMerkleBlock, protowire.BytesType)
		out = protowire.AppendBytes(out, f.RawMerkleBlock)
	}
	return out
}

func encodeRepeatedBytes(items [][]byte) []byte {
	var out []byte
	for _, item := range items {
		out = protowire.AppendTag(out, nestedFieldItem, protowire.BytesType)
		out = protowire.AppendBytes(out, item)
	}
	return out
}

func decodeStreamRequest(data []byte) (fromHeight, count uint32, filter []byte, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, 0, nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == reqFieldFromHeight && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, 0, nil, protowire.ParseError(n)
			}
			data = data[n:]
			fromHeight = uint32(v)
		case num == reqFieldCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, 0, nil, protowire.ParseError(n)
			}
			data = data[n:]
			count = uint32(v)
		case num == reqFieldFilter && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, 0, nil, protowire.ParseError(n)
			}
			data = data[n:]
			filter = append([]byte(nil), val...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return 0, 0, nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return fromHeight, count, filter, nil
}

func encodeBestHeightResponse(height uint32) []byte {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(height))
	return out
}

func decodeBestHeightResponse(data []byte) (uint32, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		data = data[n:]

		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			return uint32(v), nil
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return 0, fmt.Errorf("best height missing from response")
}
