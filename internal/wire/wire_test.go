package wire

import (
	"encoding/json"
	"testing"

	"github.com/time-coin/timecoin/pkg/types"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	q := SampleQuery{ReqID: 7, Txids: []types.Hash{{0x01}, {0x02}}, SlotIndex: 42, WantVotes: true}
	env, err := Encode(MsgSampleQuery, 1, q)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if got.Type != MsgSampleQuery || got.ChainID != 1 {
		t.Fatalf("envelope header = %s/%d, want %s/1", got.Type, got.ChainID, MsgSampleQuery)
	}

	var q2 SampleQuery
	if err := got.Decode(1, &q2); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if q2.ReqID != q.ReqID || q2.SlotIndex != q.SlotIndex || len(q2.Txids) != 2 || q2.Txids[0] != q.Txids[0] {
		t.Errorf("payload did not round-trip: %+v", q2)
	}
}

func TestEnvelope_RejectsWrongChainID(t *testing.T) {
	env, err := Encode(MsgPing, 1, Ping{Nonce: 99})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var p Ping
	if err := env.Decode(2, &p); err == nil {
		t.Fatal("an envelope for chain 1 must not decode for chain 2")
	}
	if err := env.Decode(1, &p); err != nil || p.Nonce != 99 {
		t.Fatalf("Decode on the right chain: err=%v nonce=%d", err, p.Nonce)
	}
}
