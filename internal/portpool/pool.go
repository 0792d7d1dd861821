package portpool

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrExhausted is returned when every port in the range is taken
var ErrExhausted = errors.New("no free port in range")

// BindCheck reports whether host:port can currently be bound
type BindCheck func(host string, port int) bool

// Pool hands out TCP ports from an inclusive range. A port handed out by
// Acquire stays reserved until Release, even if nothing is bound to it yet.
type Pool struct {
	host  string
	min   int
	max   int
	check BindCheck

	mu     sync.Mutex
	inUse  map[int]struct{}
	cursor int
}

// New creates a pool over [min, max] for host. Candidate ports are checked by
// binding them briefly.
func New(host string, min, max int) (*Pool, error) {
	return NewWithCheck(host, min, max, CanBind)
}

// NewWithCheck is New with a custom bind check
func NewWithCheck(host string, min, max int, check BindCheck) (*Pool, error) {
	if min < 1 || max > 65535 {
		return nil, fmt.Errorf("port range must be within 1-65535, got %d-%d", min, max)
	}
	if min > max {
		return nil, fmt.Errorf("port range min (%d) is greater than max (%d)", min, max)
	}
	if check == nil {
		check = CanBind
	}

	return &Pool{
		host:   host,
		min:    min,
		max:    max,
		check:  check,
		inUse:  make(map[int]struct{}),
		cursor: min,
	}, nil
}

// Acquire reserves the next free port. Ports are tried round-robin starting
// after the last port handed out, so a just-released port is not reused
// immediately while its old listener may still be in TIME_WAIT.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		port := p.cursor
		p.cursor++
		if p.cursor > p.max {
			p.cursor = p.min
		}

		if _, taken := p.inUse[port]; taken {
			continue
		}
		if !p.check(p.host, port) {
			continue
		}

		p.inUse[port] = struct{}{}
		return port, nil
	}

	return 0, fmt.Errorf("%w %d-%d on %s", ErrExhausted, p.min, p.max, p.host)
}

// Release returns port to the pool. Releasing a port that is not reserved
// is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	delete(p.inUse, port)
	p.mu.Unlock()
}

// InUse returns the number of reserved ports
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Host returns the host ports are allocated on
func (p *Pool) Host() string {
	return p.host
}

// CanBind reports whether a TCP listener can be opened on host:port
func CanBind(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
