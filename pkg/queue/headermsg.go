package queue

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ChainUpdatedMessage is the JSON payload published for every accepted header
// batch. Headers are hex-encoded; HeadHeight is the height of the first one.
type ChainUpdatedMessage struct {
	Network    string   `json:"network"`
	HeadHeight uint32   `json:"head_height"`
	Headers    []string `json:"headers"`
	Timestamp  int64    `json:"timestamp"`
}

// NewChainUpdatedMsg renders an accepted batch as a queue message. The key is
// the big-endian head height so a partitioned topic keeps ranges ordered.
func NewChainUpdatedMsg(topic, network string, headers [][]byte, headHeight uint32) (Msg, error) {
	payload := ChainUpdatedMessage{
		Network:    network,
		HeadHeight: headHeight,
		Headers:    make([]string, 0, len(headers)),
		Timestamp:  time.Now().Unix(),
	}
	for _, h := range headers {
		payload.Headers = append(payload.Headers, hex.EncodeToString(h))
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return Msg{}, fmt.Errorf("marshal chain-updated message: %w", err)
	}

	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, headHeight)
	return Msg{Topic: topic, Key: key, Value: value}, nil
}
