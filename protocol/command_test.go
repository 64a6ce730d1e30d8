package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"
)

func encode(t *testing.T, cmd *Command) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := cmd.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), cmd.Bytes()) {
		t.Fatalf("WriteTo and Bytes disagree:\n% X\n% X", buf.Bytes(), cmd.Bytes())
	}
	return buf.Bytes()
}

func TestCommand_Simple(t *testing.T) {
	for _, tc := range []struct {
		cmd  *Command
		want string
	}{
		{Nop(), "NOP\n"},
		{Close(), "CLS\n"},
		{Ready(42), "RDY 42\n"},
		{Subscribe("orders", "audit"), "SUB orders audit\n"},
		{Touch(msgID("0123456789abcdef")), "TOUCH 0123456789abcdef\n"},
		{Finish(msgID("0123456789abcdef")), "FIN 0123456789abcdef\n"},
		{Requeue(msgID("0123456789abcdef"), 1500*time.Millisecond), "REQ 0123456789abcdef 1500\n"},
	} {
		if got := encode(t, tc.cmd); string(got) != tc.want {
			t.Errorf("%s: got %q, want %q", tc.cmd, got, tc.want)
		}
	}
}

func msgID(s string) MessageID {
	var id MessageID
	copy(id[:], s)
	return id
}

func TestCommand_PublishBodyFraming(t *testing.T) {
	got := encode(t, Publish("orders", []byte("hello")))
	want := append([]byte("PUB orders\n"), 0, 0, 0, 5)
	want = append(want, "hello"...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}
}

func TestCommand_DeferredPublish(t *testing.T) {
	got := encode(t, DeferredPublish("orders", 2*time.Second, []byte("x")))
	want := append([]byte("DPUB orders 2000\n"), 0, 0, 0, 1, 'x')
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}
}

// MPUB body: total || count || (len || part)*, all big-endian int32.
func TestCommand_MultiPublishComposite(t *testing.T) {
	got := encode(t, MultiPublish("t", [][]byte{[]byte("a"), []byte("bb")}))

	if !bytes.HasPrefix(got, []byte("MPUB t\n")) {
		t.Fatalf("bad header: %q", got)
	}
	body := got[len("MPUB t\n"):]
	total := binary.BigEndian.Uint32(body[:4])
	// count(4) + len(4)+1 + len(4)+2
	if total != 15 {
		t.Fatalf("total = %d, want 15", total)
	}
	if int(total) != len(body)-4 {
		t.Fatalf("total %d does not cover body %d", total, len(body)-4)
	}
	if count := binary.BigEndian.Uint32(body[4:8]); count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if l := binary.BigEndian.Uint32(body[8:12]); l != 1 || body[12] != 'a' {
		t.Fatalf("bad first part: len=%d", l)
	}
	if l := binary.BigEndian.Uint32(body[13:17]); l != 2 || string(body[17:19]) != "bb" {
		t.Fatalf("bad second part: len=%d", l)
	}
}

func TestCommand_IdentifyBody(t *testing.T) {
	cmd, err := Identify(map[string]any{"feature_negotiation": true, "heartbeat_interval": int64(30000)})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	got := encode(t, cmd)
	if !bytes.HasPrefix(got, []byte("IDENTIFY\n")) {
		t.Fatalf("bad header: %q", got)
	}
	body := got[len("IDENTIFY\n"):]
	if int(binary.BigEndian.Uint32(body[:4])) != len(body)-4 {
		t.Fatal("length prefix does not cover body")
	}
	var opts map[string]any
	if err := json.Unmarshal(body[4:], &opts); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if opts["feature_negotiation"] != true {
		t.Fatalf("opts = %v", opts)
	}
}

func TestCommand_AuthBody(t *testing.T) {
	got := encode(t, Auth("s3cret"))
	want := append([]byte("AUTH\n"), 0, 0, 0, 6)
	want = append(want, "s3cret"...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}
}

// decodeCommand re-parses an encoded command for the round-trip law.
func decodeCommand(t *testing.T, wire []byte) (name string, params []string, body []byte) {
	t.Helper()
	nl := bytes.IndexByte(wire, '\n')
	if nl < 0 {
		t.Fatalf("no newline in %q", wire)
	}
	fields := bytes.Split(wire[:nl], []byte(" "))
	name = string(fields[0])
	for _, f := range fields[1:] {
		params = append(params, string(f))
	}
	rest := wire[nl+1:]
	if len(rest) == 0 {
		return name, params, nil
	}
	size := binary.BigEndian.Uint32(rest[:4])
	if int(size) != len(rest)-4 {
		t.Fatalf("body length %d does not match %d", size, len(rest)-4)
	}
	return name, params, rest[4:]
}

func TestCommand_RoundTrip(t *testing.T) {
	cmds := []*Command{
		Publish("topic.a", []byte("payload")),
		Subscribe("topic.a", "chan-b"),
		Ready(100),
		Nop(),
		Auth("shh"),
	}
	for _, cmd := range cmds {
		name, params, body := decodeCommand(t, encode(t, cmd))
		if name != string(cmd.Name) {
			t.Errorf("name %q != %q", name, cmd.Name)
		}
		if len(params) != len(cmd.Params) {
			t.Errorf("%s: params %v != %v", name, params, cmd.Params)
			continue
		}
		for i := range params {
			if params[i] != string(cmd.Params[i]) {
				t.Errorf("%s: param %d: %q != %q", name, i, params[i], cmd.Params[i])
			}
		}
		if !bytes.Equal(body, cmd.Body) {
			t.Errorf("%s: body %q != %q", name, body, cmd.Body)
		}
	}
}

func BenchmarkCommand_Publish(b *testing.B) {
	body := bytes.Repeat([]byte("p"), 512)
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = Publish("bench", body).WriteTo(&buf)
	}
}
