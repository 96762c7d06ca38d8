package mgmtrpc

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeEnvelopeRoundTrips(t *testing.T) {
	want := envelope{op: OpGetRecord, args: [][]byte{[]byte("proxy.config.http.port"), {0x01, 0x02}}}
	got, err := decodeEnvelope(encodeEnvelope(want))
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if got.op != want.op {
		t.Fatalf("op = %d, want %d", got.op, want.op)
	}
	if len(got.args) != len(want.args) {
		t.Fatalf("args len = %d, want %d", len(got.args), len(want.args))
	}
	for i := range want.args {
		if !bytes.Equal(got.args[i], want.args[i]) {
			t.Fatalf("args[%d] = %v, want %v", i, got.args[i], want.args[i])
		}
	}
}

func TestDecodeEnvelopeRejectsMalformedTag(t *testing.T) {
	_, err := decodeEnvelope([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	if err == nil {
		t.Fatalf("decodeEnvelope did not reject a malformed tag")
	}
}

func TestSendRecvFramedRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := sendFramed(&buf, OpSetRecord, []byte("name"), []byte("value")); err != nil {
		t.Fatalf("sendFramed: %v", err)
	}
	payload, err := recvFramed(&buf)
	if err != nil {
		t.Fatalf("recvFramed: %v", err)
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if env.op != OpSetRecord {
		t.Fatalf("op = %d, want %d", env.op, OpSetRecord)
	}
	if string(env.args[0]) != "name" || string(env.args[1]) != "value" {
		t.Fatalf("args = %v, want [name value]", env.args)
	}
}

func TestRecvFramedRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	hdr[0] = 0xff // length field far beyond maxFrameLen
	buf.Write(hdr[:])
	if _, err := recvFramed(&buf); err == nil {
		t.Fatalf("recvFramed accepted an oversized length prefix")
	}
}

func TestParseResponseRejectsMismatchedOp(t *testing.T) {
	payload := encodeEnvelope(envelope{op: OpSetRecord, args: [][]byte{encodeCodeArg(CodeOK)}})
	_, _, err := parseResponse(payload, OpGetRecord)
	if err == nil {
		t.Fatalf("parseResponse accepted a response for the wrong op")
	}
}

func TestParseResponseExtractsCodeAndOuts(t *testing.T) {
	payload := encodeEnvelope(envelope{
		op:   OpGetRecord,
		args: [][]byte{encodeCodeArg(CodeOK), []byte("8080")},
	})
	outs, code, err := parseResponse(payload, OpGetRecord)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if code != CodeOK {
		t.Fatalf("code = %d, want CodeOK", code)
	}
	if len(outs) != 1 || string(outs[0]) != "8080" {
		t.Fatalf("outs = %v, want [8080]", outs)
	}
}
