// console_io.go - Memory-mapped console device for BrickEngine

/*

The console window exposes three meaningful bytes to the guest: an output
byte, an input byte and a status byte. Writing the output byte emits one
character; reading the input byte dequeues one buffered character or the
empty sentinel; the status byte reflects queue state. The rest of the 64KB
window behaves as plain memory.

The device is a pure state machine. Tests inject characters with
EnqueueInput and collect emitted ones with DrainOutput; the interactive host
adapter and the IPC server feed EnqueueInput from their own goroutines, so
all mutation happens under the device mutex. The SBI console extension and
the MMIO window converge on the same queue and the same output sink, which
keeps the status byte consistent no matter which path the guest uses.

*/

package main

import "sync"

const (
	CON_OUT    = CONSOLE_BASE + 0x0 // write: emit one character
	CON_IN     = CONSOLE_BASE + 0x1 // read: dequeue one character, 0xFF when empty
	CON_STATUS = CONSOLE_BASE + 0x2 // read: status bits below

	CON_STATUS_OUTPUT_READY = 1 << 0
	CON_STATUS_INPUT_AVAIL  = 1 << 1
	CON_STATUS_INPUT_FULL   = 1 << 2

	CON_INPUT_RING = 1024
	CON_NO_CHAR    = 0xFF // input byte read when the queue is empty
)

type ConsoleDevice struct {
	mu sync.Mutex

	// Input ring buffer
	inputBuf  [CON_INPUT_RING]byte
	inputHead int // next read position
	inputTail int // next write position
	inputLen  int // number of bytes buffered

	// onOutput, when set, receives each emitted byte immediately.
	// When nil, bytes accumulate in outputBuf for DrainOutput.
	onOutput  func(b byte)
	outputBuf []byte
}

func NewConsoleDevice() *ConsoleDevice {
	return &ConsoleDevice{}
}

// SetOutputFunc routes emitted bytes to fn instead of the internal buffer.
func (c *ConsoleDevice) SetOutputFunc(fn func(b byte)) {
	c.mu.Lock()
	c.onOutput = fn
	c.mu.Unlock()
}

// EnqueueInput buffers one input byte for the guest. Returns false when the
// ring is full and the byte was dropped.
func (c *ConsoleDevice) EnqueueInput(b byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inputLen == CON_INPUT_RING {
		return false
	}
	c.inputBuf[c.inputTail] = b
	c.inputTail = (c.inputTail + 1) % CON_INPUT_RING
	c.inputLen++
	return true
}

// ReadInput dequeues the next buffered byte. The second result is false
// when the queue is empty; it never blocks.
func (c *ConsoleDevice) ReadInput() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dequeueLocked()
}

func (c *ConsoleDevice) dequeueLocked() (byte, bool) {
	if c.inputLen == 0 {
		return 0, false
	}
	b := c.inputBuf[c.inputHead]
	c.inputHead = (c.inputHead + 1) % CON_INPUT_RING
	c.inputLen--
	return b, true
}

// WriteOutput emits one byte through the output sink.
func (c *ConsoleDevice) WriteOutput(b byte) {
	c.mu.Lock()
	fn := c.onOutput
	if fn == nil {
		c.outputBuf = append(c.outputBuf, b)
	}
	c.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

// DrainOutput returns and clears the buffered output. Only meaningful when
// no output function is installed.
func (c *ConsoleDevice) DrainOutput() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outputBuf
	c.outputBuf = nil
	return out
}

func (c *ConsoleDevice) InputAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputLen > 0
}

// Status computes the status byte from live queue state.
func (c *ConsoleDevice) Status() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *ConsoleDevice) statusLocked() byte {
	s := byte(CON_STATUS_OUTPUT_READY)
	if c.inputLen > 0 {
		s |= CON_STATUS_INPUT_AVAIL
	}
	if c.inputLen == CON_INPUT_RING {
		s |= CON_STATUS_INPUT_FULL
	}
	return s
}

// Reset discards all buffered input and output.
func (c *ConsoleDevice) Reset() {
	c.mu.Lock()
	c.inputHead, c.inputTail, c.inputLen = 0, 0, 0
	c.outputBuf = nil
	c.mu.Unlock()
}

// HandleRead services MMIO reads of the three console register bytes.
func (c *ConsoleDevice) HandleRead(addr uint32) byte {
	switch addr {
	case CON_OUT:
		return 0
	case CON_IN:
		c.mu.Lock()
		b, ok := c.dequeueLocked()
		c.mu.Unlock()
		if !ok {
			return CON_NO_CHAR
		}
		return b
	case CON_STATUS:
		return c.Status()
	}
	return 0
}

// HandleWrite services MMIO writes. Only the output byte has an effect;
// stores to the input and status bytes are discarded.
func (c *ConsoleDevice) HandleWrite(addr uint32, value byte) {
	if addr == CON_OUT {
		c.WriteOutput(value)
	}
}
