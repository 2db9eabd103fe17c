package wlclient

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

// Unit tests that don't require a compositor

func TestEventDispatcher(t *testing.T) {
	dispatcher := NewEventDispatcher()

	called := false
	handler := func(event *Event) error {
		called = true
		if event.ProxyID != 123 || event.Opcode != 1 {
			t.Errorf("Expected ProxyID=123, Opcode=1, got ProxyID=%d, Opcode=%d", event.ProxyID, event.Opcode)
		}
		return nil
	}

	dispatcher.RegisterHandler(123, 1, handler)

	handled, err := dispatcher.Dispatch(123, 1, []byte{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !handled || !called {
		t.Error("Handler should have been called")
	}

	handled, _ = dispatcher.Dispatch(123, 2, []byte{})
	if handled {
		t.Error("opcode without handler should not be handled")
	}
}

func TestEventDispatcherMultipleHandlers(t *testing.T) {
	dispatcher := NewEventDispatcher()

	called1 := false
	called2 := false

	dispatcher.RegisterHandler(123, 1, func(*Event) error { called1 = true; return nil })
	dispatcher.RegisterHandler(123, 2, func(*Event) error { called2 = true; return nil })

	_, _ = dispatcher.Dispatch(123, 1, []byte{})
	_, _ = dispatcher.Dispatch(123, 2, []byte{})

	if !called1 {
		t.Error("Handler1 should have been called")
	}
	if !called2 {
		t.Error("Handler2 should have been called")
	}
}

type recordingProxy struct {
	BaseProxy
	opcodes []uint16
}

func (p *recordingProxy) Dispatch(event *Event) error {
	p.opcodes = append(p.opcodes, event.Opcode)
	return nil
}

func TestEventDispatcherProxyAndUnregister(t *testing.T) {
	dispatcher := NewEventDispatcher()
	proxy := &recordingProxy{BaseProxy: BaseProxy{id: 7}}
	dispatcher.RegisterProxy(proxy)

	for _, opcode := range []uint16{0, 3, 1} {
		if handled, err := dispatcher.Dispatch(7, opcode, nil); !handled || err != nil {
			t.Fatalf("Dispatch(7, %d) = %v, %v", opcode, handled, err)
		}
	}
	if got := proxy.opcodes; len(got) != 3 || got[0] != 0 || got[1] != 3 || got[2] != 1 {
		t.Errorf("proxy saw opcodes %v, want [0 3 1]", got)
	}

	dispatcher.Unregister(7)
	if dispatcher.Registered(7) {
		t.Error("object 7 should be gone after Unregister")
	}
	if handled, _ := dispatcher.Dispatch(7, 0, nil); handled {
		t.Error("unregistered object should not be handled")
	}
}

func TestEventDispatcherHandlerError(t *testing.T) {
	dispatcher := NewEventDispatcher()
	boom := errors.New("boom")
	dispatcher.RegisterHandler(9, 0, func(*Event) error { return boom })

	handled, err := dispatcher.Dispatch(9, 0, nil)
	if !handled || !errors.Is(err, boom) {
		t.Errorf("Dispatch = %v, %v; want true, boom", handled, err)
	}
}

func TestMessageMarshalingBasic(t *testing.T) {
	buf := &bytes.Buffer{}

	tests := []struct {
		name string
		arg  interface{}
		want []byte
	}{
		{
			name: "uint32",
			arg:  uint32(0x12345678),
			want: []byte{0x78, 0x56, 0x34, 0x12}, // little endian
		},
		{
			name: "int32",
			arg:  int32(-1),
			want: []byte{0xFF, 0xFF, 0xFF, 0xFF},
		},
		{
			name: "new_id",
			arg:  NewID(3),
			want: []byte{0x03, 0x00, 0x00, 0x00},
		},
		{
			name: "string",
			arg:  "test",
			want: []byte{0x05, 0x00, 0x00, 0x00, 't', 'e', 's', 't', 0x00, 0x00, 0x00, 0x00}, // length + string + null + padding
		},
		{
			name: "empty string",
			arg:  "",
			want: []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		},
		{
			name: "string filling a word",
			arg:  "abc",
			want: []byte{0x04, 0x00, 0x00, 0x00, 'a', 'b', 'c', 0x00},
		},
		{
			name: "array",
			arg:  []byte{1, 2},
			want: []byte{0x02, 0x00, 0x00, 0x00, 0x01, 0x02, 0x00, 0x00},
		},
		{
			name: "nil object",
			arg:  nil,
			want: []byte{0x00, 0x00, 0x00, 0x00},
		},
		{
			name: "object",
			arg:  &BaseProxy{id: 9},
			want: []byte{0x09, 0x00, 0x00, 0x00},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buf.Reset()
			err := marshalArg(buf, test.arg)
			if err != nil {
				t.Fatalf("marshalArg failed: %v", err)
			}

			got := buf.Bytes()
			if !bytes.Equal(got, test.want) {
				t.Errorf("marshalArg(%v) = %v, want %v", test.arg, got, test.want)
			}
		})
	}
}

func TestMarshalArgRejects(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := marshalArg(buf, "a\x00b"); err == nil {
		t.Error("string with NUL should be rejected")
	}
	if err := marshalArg(buf, 1.5); err == nil {
		t.Error("float64 should be rejected")
	}
}

func TestEncodeMessage(t *testing.T) {
	msg, err := EncodeMessage(5, 1, "ls")
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	want := []byte{
		0x05, 0x00, 0x00, 0x00, // object 5
		0x01, 0x00, 0x10, 0x00, // opcode 1, size 16
		0x03, 0x00, 0x00, 0x00, 'l', 's', 0x00, 0x00,
	}
	if !bytes.Equal(msg, want) {
		t.Errorf("EncodeMessage = %v, want %v", msg, want)
	}

	id, opcode, size := DecodeHeader(msg)
	if id != 5 || opcode != 1 || size != uint32(len(msg)) {
		t.Errorf("DecodeHeader = %d, %d, %d", id, opcode, size)
	}
}

func TestEncodeMessageTooLarge(t *testing.T) {
	// 8 header + 4 length + payload + NUL exceeds 4096
	_, err := EncodeMessage(5, 1, strings.Repeat("x", maxMessageSize-12))
	if err == nil {
		t.Fatal("oversized message should be rejected")
	}

	// Largest string that still fits
	if _, err := EncodeMessage(5, 1, strings.Repeat("x", maxMessageSize-13)); err != nil {
		t.Fatalf("message at the limit rejected: %v", err)
	}
}

func TestMessageHeaderParsing(t *testing.T) {
	tests := []struct {
		name     string
		header   []byte
		wantID   uint32
		wantSize uint32
		wantOp   uint16
	}{
		{
			name:     "basic header",
			header:   []byte{0x05, 0x00, 0x00, 0x00, 0x02, 0x00, 0x0C, 0x00}, // ID=5, opcode=2, size=12 (size is upper 16 bits)
			wantID:   5,
			wantSize: 12,
			wantOp:   2,
		},
		{
			name:     "large values",
			header:   []byte{0xFF, 0xFF, 0x00, 0x00, 0xFF, 0x00, 0x00, 0x10}, // ID=65535, opcode=255, size=4096
			wantID:   65535,
			wantSize: 4096,
			wantOp:   255,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			objectID, opcode, size := DecodeHeader(test.header)

			if objectID != test.wantID {
				t.Errorf("object ID = %d, want %d", objectID, test.wantID)
			}
			if size != test.wantSize {
				t.Errorf("size = %d, want %d", size, test.wantSize)
			}
			if opcode != test.wantOp {
				t.Errorf("opcode = %d, want %d", opcode, test.wantOp)
			}
		})
	}
}

func TestEventDecoding(t *testing.T) {
	body := []byte{
		0x2A, 0x00, 0x00, 0x00, // 42
		0x06, 0x00, 0x00, 0x00, 'h', 'e', 'l', 'l', 'o', 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, // null string
		0x03, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0x00,
	}
	e := NewEvent(4, 0, body)

	if got := e.Uint32(); got != 42 {
		t.Errorf("Uint32 = %d, want 42", got)
	}
	if got := e.String(); got != "hello" {
		t.Errorf("String = %q, want hello", got)
	}
	if got := e.String(); got != "" {
		t.Errorf("null String = %q, want empty", got)
	}
	if got := e.Array(); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("Array = %v, want [1 2 3]", got)
	}
	if err := e.Err(); err != nil {
		t.Errorf("Err = %v", err)
	}

	// Past the end
	_ = e.Uint32()
	if !errors.Is(e.Err(), ErrProtocol) {
		t.Errorf("read past end: Err = %v, want ErrProtocol", e.Err())
	}
}

func TestEventDecodingMalformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"truncated length", []byte{0x05, 0x00}},
		{"length past end", []byte{0x10, 0x00, 0x00, 0x00, 'a', 0x00, 0x00, 0x00}},
		{"missing NUL", []byte{0x04, 0x00, 0x00, 0x00, 'a', 'b', 'c', 'd'}},
		{"huge length", []byte{0xFF, 0xFF, 0xFF, 0xFF, 'a', 0x00, 0x00, 0x00}},
		{"length near int32 limit", []byte{0xFD, 0xFF, 0xFF, 0x7F, 'a', 0x00, 0x00, 0x00}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			e := NewEvent(4, 0, test.body)
			if got := e.String(); got != "" {
				t.Errorf("String = %q, want empty", got)
			}
			if !errors.Is(e.Err(), ErrProtocol) {
				t.Errorf("Err = %v, want ErrProtocol", e.Err())
			}
		})
	}
}

func TestEventArrayHugeLength(t *testing.T) {
	e := NewEvent(4, 0, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01, 0x02, 0x03, 0x04})
	if got := e.Array(); got != nil {
		t.Errorf("Array = %v, want nil", got)
	}
	if !errors.Is(e.Err(), ErrProtocol) {
		t.Errorf("Err = %v, want ErrProtocol", e.Err())
	}
}

func TestAllocateID(t *testing.T) {
	d := &Display{
		nextID: 2, // Start at 2 (1 is reserved for display)
	}

	id1 := d.allocateID()
	id2 := d.allocateID()
	id3 := d.AllocateID()

	if id1 != 2 {
		t.Errorf("First ID = %d, want 2", id1)
	}
	if id2 != 3 {
		t.Errorf("Second ID = %d, want 3", id2)
	}
	if id3 != 4 {
		t.Errorf("Third ID = %d, want 4", id3)
	}
}

func globalEvent(name uint32, iface string, version uint32) *Event {
	msg, err := EncodeMessage(2, registryEventGlobal, name, iface, version)
	if err != nil {
		panic(err)
	}
	return NewEvent(2, registryEventGlobal, msg[headerSize:])
}

func TestRegistryGlobalStorage(t *testing.T) {
	registry := newRegistry(nil, 2)

	for _, e := range []*Event{
		globalEvent(2, "wl_seat", 7),
		globalEvent(1, "wl_compositor", 4),
	} {
		if err := registry.handleGlobal(e); err != nil {
			t.Fatalf("handleGlobal: %v", err)
		}
	}

	// Lookups wait for discovery
	if _, err := registry.FindGlobal("wl_compositor"); !errors.Is(err, ErrRegistryNotReady) {
		t.Errorf("FindGlobal before discovery: err = %v, want ErrRegistryNotReady", err)
	}
	registry.ready = true

	globals := registry.Globals()
	if len(globals) != 2 || globals[0].Interface != "wl_compositor" || globals[1].Interface != "wl_seat" {
		t.Errorf("Globals() = %+v, want compositor then seat", globals)
	}

	found, err := registry.FindGlobal("wl_compositor")
	if err != nil {
		t.Fatalf("wl_compositor should be found: %v", err)
	}
	if found.Name != 1 || found.Version != 4 {
		t.Errorf("Found global = %+v", found)
	}

	if _, err := registry.FindGlobal("non_existent"); !errors.Is(err, ErrInterfaceNotFound) {
		t.Errorf("non_existent: err = %v, want ErrInterfaceNotFound", err)
	}

	remove, _ := EncodeMessage(2, registryEventGlobalRemove, uint32(2))
	if err := registry.handleGlobalRemove(NewEvent(2, registryEventGlobalRemove, remove[headerSize:])); err != nil {
		t.Fatalf("handleGlobalRemove: %v", err)
	}
	if _, err := registry.FindGlobal("wl_seat"); !errors.Is(err, ErrInterfaceNotFound) {
		t.Errorf("removed wl_seat: err = %v, want ErrInterfaceNotFound", err)
	}
}

func TestRegistryOnGlobal(t *testing.T) {
	registry := newRegistry(nil, 2)
	var seen []string
	registry.OnGlobal(func(g Global) { seen = append(seen, g.Interface) })

	_ = registry.handleGlobal(globalEvent(1, "next_control_v1", 1))
	_ = registry.handleGlobal(globalEvent(2, "wl_output", 4))

	if len(seen) != 2 || seen[0] != "next_control_v1" || seen[1] != "wl_output" {
		t.Errorf("OnGlobal saw %v", seen)
	}
}

func TestSocketPath(t *testing.T) {
	runDir := t.TempDir()

	tests := []struct {
		name    string
		display string
		env     string
		want    string
	}{
		{"explicit relative", "wayland-5", "wayland-1", filepath.Join(runDir, "wayland-5")},
		{"from environment", "", "wayland-1", filepath.Join(runDir, "wayland-1")},
		{"default", "", "", filepath.Join(runDir, "wayland-0")},
		{"absolute", "/tmp/wl.sock", "", "/tmp/wl.sock"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Setenv("XDG_RUNTIME_DIR", runDir)
			t.Setenv("WAYLAND_DISPLAY", test.env)

			got, err := SocketPath(test.display)
			if err != nil {
				t.Fatalf("SocketPath: %v", err)
			}
			if got != test.want {
				t.Errorf("SocketPath(%q) = %q, want %q", test.display, got, test.want)
			}
		})
	}
}

func TestSocketPathWithoutRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	if _, err := SocketPath("wayland-0"); err == nil {
		t.Error("relative display without XDG_RUNTIME_DIR should fail")
	}
}

func BenchmarkEventDispatch(b *testing.B) {
	dispatcher := NewEventDispatcher()
	dispatcher.RegisterHandler(123, 1, func(event *Event) error {
		_ = event.Uint32()
		return nil
	})

	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 0x01020304)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = dispatcher.Dispatch(123, 1, data)
	}
}
