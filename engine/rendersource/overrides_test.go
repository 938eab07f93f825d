package rendersource

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestMaterialOverridesResolve(t *testing.T) {
	o := NewMaterialOverrides()
	o.Add(Unscoped, Unscoped, "tint", mgl32.Vec4{1}, true)
	o.Add(Unscoped, Unscoped, "gloss", mgl32.Vec4{0.2}, false)
	o.Add(1, Unscoped, "gloss", mgl32.Vec4{0.5}, false)
	o.Add(1, 2, "gloss", mgl32.Vec4{0.9}, true)

	shared := o.SharedBlock()
	if len(shared) != 1 || shared["tint"] != (mgl32.Vec4{1}) {
		t.Errorf("SharedBlock() = %v, want only the persistent unscoped tint", shared)
	}

	tests := []struct {
		lod, renderer int
		want          float32
	}{
		{0, 0, 0.2},
		{1, 0, 0.5},
		{1, 2, 0.9},
	}
	for _, tt := range tests {
		block := o.Resolve(tt.lod, tt.renderer)
		if got := block["gloss"][0]; got != tt.want {
			t.Errorf("Resolve(%d, %d)[gloss] = %v, want %v", tt.lod, tt.renderer, got, tt.want)
		}
		if block["tint"] != (mgl32.Vec4{1}) {
			t.Errorf("Resolve(%d, %d) lost the shared tint", tt.lod, tt.renderer)
		}
	}
}

func TestMaterialOverridesRemoveAndClear(t *testing.T) {
	o := NewMaterialOverrides()
	o.Add(Unscoped, Unscoped, "tint", mgl32.Vec4{1}, true)
	o.Add(0, 0, "tint", mgl32.Vec4{2}, false)
	o.Add(0, 0, "gloss", mgl32.Vec4{3}, false)
	v := o.Version()

	if !o.Remove("tint") {
		t.Fatal("Remove() = false")
	}
	if o.Remove("tint") {
		t.Error("second Remove() = true")
	}
	if o.Len() != 1 || len(o.SharedBlock()) != 0 {
		t.Errorf("after Remove: Len() = %d, SharedBlock() = %v", o.Len(), o.SharedBlock())
	}
	if o.Version() == v {
		t.Error("Version() unchanged after Remove")
	}

	o.Clear()
	if o.Len() != 0 || len(o.Resolve(0, 0)) != 0 {
		t.Error("Clear() left overrides behind")
	}
}
