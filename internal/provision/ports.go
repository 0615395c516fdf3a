package provision

import (
	"errors"
	"fmt"
	"sync"
)

const maxPort = 65535

// ErrPortsExhausted is returned when every port in the replica range is taken.
var ErrPortsExhausted = errors.New("no free replica ports")

// portPool hands out ports from [base, base+size). Released ports are reused,
// but only after the rest of the range has been tried.
type portPool struct {
	mu     sync.Mutex
	base   int
	size   int
	cursor int
	used   map[int]bool
}

func newPortPool(base, size int) *portPool {
	if base+size-1 > maxPort {
		size = maxPort - base + 1
	}
	if size < 0 {
		size = 0
	}
	return &portPool{base: base, size: size, used: make(map[int]bool)}
}

func (p *portPool) acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		port := p.base + (p.cursor+i)%p.size
		if !p.used[port] {
			p.used[port] = true
			p.cursor = (p.cursor + i + 1) % p.size
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: all %d ports from %d in use", ErrPortsExhausted, p.size, p.base)
}

func (p *portPool) release(ports ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, port := range ports {
		delete(p.used, port)
	}
}

func (p *portPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
