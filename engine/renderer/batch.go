package renderer

import (
	"cmp"
	"slices"

	"github.com/Carmen-Shannon/oxy-instancer/engine/prototype"
	"github.com/Carmen-Shannon/oxy-instancer/engine/visibility"
	"github.com/go-gl/mathgl/mgl32"
)

// colorProperty is the material slot the reference shader tints with.
const colorProperty = "_Color"

// drawItem is one indirect draw with everything the pass needs resolved on the CPU.
type drawItem struct {
	cmd      visibility.DrawCommand
	encoding prototype.TransformEncoding
	relative bool
	color    mgl32.Vec4
	offset   mgl32.Mat4
}

// planDraws filters the camera's commands down to the given passes and orders them so draws
// sharing a pipeline and transform buffer are adjacent. Commands without drawable geometry are
// counted as skipped.
//
// Parameters:
//   - cmds: the camera's commands in args buffer order
//   - passes: the passes to keep
//
// Returns:
//   - []drawItem: the draws in submission order
//   - int: the number of commands dropped
func planDraws(cmds []visibility.DrawCommand, passes ...prototype.Pass) ([]drawItem, int) {
	items := make([]drawItem, 0, len(cmds))
	skipped := 0
	for _, cmd := range cmds {
		if !slices.Contains(passes, cmd.Pass) {
			skipped++
			continue
		}
		if cmd.Group == nil || cmd.Mesh == nil || cmd.Submesh < 0 || cmd.Submesh >= len(cmd.Mesh.Submeshes) {
			skipped++
			continue
		}
		profile := cmd.Group.Profile()
		items = append(items, drawItem{
			cmd:      cmd,
			encoding: profile.TransformEncoding,
			relative: profile.CameraRelative,
			color:    colorOf(cmd),
			offset:   rendererOffset(cmd),
		})
	}
	slices.SortStableFunc(items, func(a, b drawItem) int {
		return cmp.Or(
			cmp.Compare(a.encoding, b.encoding),
			cmp.Compare(a.cmd.Group.ID(), b.cmd.Group.ID()),
		)
	})
	return items, skipped
}

// colorOf resolves the tint of a command: the per-group override first, then the material,
// then white.
func colorOf(cmd visibility.DrawCommand) mgl32.Vec4 {
	if c, ok := cmd.Properties[colorProperty]; ok {
		return c
	}
	if cmd.Material != nil {
		if c, ok := cmd.Material.Properties[colorProperty]; ok {
			return c
		}
	}
	return mgl32.Vec4{1, 1, 1, 1}
}

func rendererOffset(cmd visibility.DrawCommand) mgl32.Mat4 {
	lods := cmd.Group.Prototype().LODs()
	if cmd.LOD < 0 || cmd.LOD >= len(lods) || cmd.Renderer < 0 || cmd.Renderer >= len(lods[cmd.LOD].Renderers) {
		return mgl32.Ident4()
	}
	return lods[cmd.LOD].Renderers[cmd.Renderer].Offset
}
