package buffer

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
)

func TestParameterBufferRegister(t *testing.T) {
	d := gpu.NewSoftwareDevice()
	p := NewParameterBuffer(d, "params")

	a := p.Register(1, []float32{1, 2})
	b := p.Register(2, []float32{3})
	if a != 0 || b != 2 {
		t.Fatalf("offsets = %d, %d, want 0, 2", a, b)
	}

	if got := p.Register(1, []float32{5, 6}); got != a {
		t.Errorf("same-length Register() = %d, want in-place %d", got, a)
	}
	moved := p.Register(2, []float32{7, 8, 9})
	if moved == b {
		t.Errorf("grown Register() kept offset %d", b)
	}
	if off, ok := p.Offset(2); !ok || off != moved {
		t.Errorf("Offset(2) = %d, %v, want %d, true", off, ok, moved)
	}

	buf, err := p.Flush()
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	words := gpu.BytesAs[float32](d.BufferBytes(buf))
	if words[0] != 5 || words[1] != 6 || words[moved] != 7 || words[moved+2] != 9 {
		t.Errorf("gpu words = %v", words[:moved+3])
	}

	p.Unregister(1)
	if _, ok := p.Offset(1); ok {
		t.Error("Offset(1) after Unregister ok = true")
	}
}
