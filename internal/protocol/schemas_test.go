package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"catchdex.io/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	if err := v.ValidateHello([]byte(`{
	  "type":"HELLO",
	  "protocol_version":"1.0",
	  "participant":"alice",
	  "channels":["general"],
	  "role":"participant"
	}`)); err != nil {
		t.Fatalf("hello: %v", err)
	}

	good := []string{
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i1","kind":"CLAIM","spawn_id":"s1","answer":"fox"}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i2","kind":"TRADE_BEGIN","with":"bob"}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i3","kind":"TRADE_ADD","session_id":"t1","items":[4,5]}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i4","kind":"TRADE_COINS","session_id":"t1","coins":0}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i5","kind":"BET_PLACE","payout":"proportional","stakes":[
		   {"participant":"alice","coins":10,"outcome":"red"},{"participant":"bob","items":[3],"outcome":"blue"}]}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i6","kind":"PACK_OPEN","pack_id":"starter","amount":2}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i7","kind":"BALANCE"}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i8","kind":"COINS_GIVE","to":"bob","coins":5}`,
	}
	for _, raw := range good {
		if err := v.ValidateInteraction([]byte(raw)); err != nil {
			t.Fatalf("expected valid %s: %v", raw, err)
		}
	}
}

func TestSchemas_RejectMalformed(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	bad := []string{
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i1","kind":"CLAIM"}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i2","kind":"EXPLODE"}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i3","kind":"TRADE_ADD","session_id":"t1","items":[]}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i4","kind":"TRADE_COINS","session_id":"t1","coins":-5}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i5","kind":"BET_PLACE","stakes":[{"participant":"alice","outcome":"red"}]}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i6","kind":"COINS_GIVE","to":"escrow:w1","coins":5}`,
		`{"type":"INTERACTION","protocol_version":"1.0","id":"i7","kind":"PACK_BUY","pack_id":"starter","amount":0}`,
	}
	for _, raw := range bad {
		if err := v.ValidateInteraction([]byte(raw)); err == nil {
			t.Fatalf("expected invalid: %s", raw)
		}
	}
	if err := v.ValidateHello([]byte(`{"type":"HELLO","protocol_version":"1.0","participant":"system:house"}`)); err == nil {
		t.Fatalf("holder ids must not pass as participants")
	}
}

func TestDecodeInteractionRoundTrip(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	in := protocol.Interaction{
		Type:            protocol.TypeInteraction,
		ProtocolVersion: protocol.Version,
		ID:              "i1",
		Kind:            protocol.KindTradeAdd,
		At:              time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SessionID:       "t1",
		Items:           []int64{7},
	}
	raw, _ := json.Marshal(in)
	got, err := v.DecodeInteraction(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "t1" || len(got.Items) != 1 || !got.At.Equal(in.At) {
		t.Fatalf("decoded = %+v", got)
	}
}
