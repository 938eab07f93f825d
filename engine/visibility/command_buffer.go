package visibility

import (
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-instancer/engine/buffer"
	"github.com/Carmen-Shannon/oxy-instancer/engine/gpu"
)

type commandBufferImpl struct {
	mu *sync.Mutex

	args     buffer.DataBuffer[IndirectArgs]
	owners   buffer.DataBuffer[uint32]
	commands []DrawCommand
}

// CommandBuffer holds a camera's indirect draw arguments and the CPU description of each.
// Commands are only ever appended; the GPU rewrites InstanceCount and FirstInstance every frame.
type CommandBuffer interface {
	// Append adds one command drawn with the instances of an entry.
	//
	// Parameters:
	//   - args: the static draw arguments
	//   - entry: the absolute entry index the command counts instances from
	//   - cmd: the CPU description; ArgsOffset is filled in
	//
	// Returns:
	//   - int: the command index, or -1 if the buffer could not grow
	Append(args IndirectArgs, entry uint32, cmd DrawCommand) int

	// Len returns the command count.
	Len() int

	// Commands returns a copy of the CPU descriptions in buffer order.
	Commands() []DrawCommand

	// Clear drops every command.
	Clear()

	// Flush uploads pending changes.
	//
	// Returns:
	//   - error: if either buffer failed to upload
	Flush() error

	// ArgsBuffer returns the indirect args buffer, nil before the first Flush.
	ArgsBuffer() gpu.Buffer

	// OwnerBuffer returns the per-command entry index buffer.
	OwnerBuffer() gpu.Buffer

	// Args returns the CPU copy of one command's arguments.
	Args(i int) IndirectArgs

	// Readback schedules a copy of the GPU args into the CPU copy.
	//
	// Parameters:
	//   - cb: receives the args, or ok false if the buffer was disposed first
	//
	// Returns:
	//   - bool: false if a conflicting readback is pending
	Readback(cb buffer.ReadbackFunc[IndirectArgs]) bool

	// Dispose releases both buffers.
	Dispose()
}

var _ CommandBuffer = &commandBufferImpl{}

// NewCommandBuffer creates an empty command buffer.
//
// Parameters:
//   - device: the device owning the buffers
//   - label: debug label prefix
//
// Returns:
//   - CommandBuffer: the command buffer
func NewCommandBuffer(device gpu.Device, label string) CommandBuffer {
	return &commandBufferImpl{
		mu:     &sync.Mutex{},
		args:   buffer.New[IndirectArgs](device, label+"/args", 0, buffer.WithUsage(gpu.BufferUsageIndirect)),
		owners: buffer.New[uint32](device, label+"/owners", 0),
	}
}

func (c *commandBufferImpl) Append(args IndirectArgs, entry uint32, cmd DrawCommand) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.commands)
	if n >= c.args.Len() {
		grow := max(16, c.args.Len()*2)
		if !c.args.Resize(grow, true) || !c.owners.Resize(grow, true) {
			return -1
		}
	}
	c.args.Set(n, []IndirectArgs{args})
	c.owners.Set(n, []uint32{entry})
	cmd.ArgsOffset = uint64(n) * IndirectArgsSize
	c.commands = append(c.commands, cmd)
	return n
}

func (c *commandBufferImpl) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commands)
}

func (c *commandBufferImpl) Commands() []DrawCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DrawCommand(nil), c.commands...)
}

func (c *commandBufferImpl) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = c.commands[:0]
}

func (c *commandBufferImpl) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.args.Flush(); err != nil {
		return fmt.Errorf("failed to flush indirect args: %w", err)
	}
	if _, err := c.owners.Flush(); err != nil {
		return fmt.Errorf("failed to flush command owners: %w", err)
	}
	return nil
}

func (c *commandBufferImpl) ArgsBuffer() gpu.Buffer { return c.args.GPUBuffer() }

func (c *commandBufferImpl) OwnerBuffer() gpu.Buffer { return c.owners.GPUBuffer() }

func (c *commandBufferImpl) Args(i int) IndirectArgs {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.commands) {
		return IndirectArgs{}
	}
	return c.args.Get(i)
}

func (c *commandBufferImpl) Readback(cb buffer.ReadbackFunc[IndirectArgs]) bool {
	return c.args.RequestReadback(buffer.ReadbackWriteBack, cb)
}

func (c *commandBufferImpl) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commands = nil
	c.args.Dispose()
	c.owners.Dispose()
}
