// Package interrupts allocates guest interrupt lines and routes
// message-signaled interrupts. Line allocation and routing changes are
// control-path operations; injection is hot-path and never takes the
// controller lock.
package interrupts

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/skiffvm/skiff/internal/hv"
)

// ErrLinesExhausted is returned when the line pool is empty.
var ErrLinesExhausted = errors.New("interrupt lines exhausted")

// Trigger selects the line semantics.
type Trigger int

const (
	// Edge lines deliver one event per Inject call.
	Edge Trigger = iota
	// Level lines stay pending while asserted.
	Level
)

func (t Trigger) String() string {
	if t == Level {
		return "level"
	}
	return "edge"
}

// Line is an allocated interrupt line. A Line is owned by exactly one device
// and stays valid until freed back to the controller.
type Line struct {
	ctrl    *Controller
	gsi     uint32
	trigger Trigger

	// asserted tracks level-line state so deassert is idempotent and
	// snapshots capture pending level interrupts.
	asserted atomic.Bool
}

// GSI returns the global interrupt number backing the line.
func (l *Line) GSI() uint32 { return l.gsi }

func (l *Line) Trigger() Trigger { return l.trigger }

// Inject delivers one edge event. On a level line it is equivalent to
// Assert.
func (l *Line) Inject() error {
	if l.trigger == Level {
		return l.Assert()
	}
	if err := l.ctrl.machine.SetIRQLine(l.gsi, true); err != nil {
		return fmt.Errorf("raise line %d: %w", l.gsi, err)
	}
	if err := l.ctrl.machine.SetIRQLine(l.gsi, false); err != nil {
		return fmt.Errorf("lower line %d: %w", l.gsi, err)
	}
	return nil
}

// Assert raises a level line. Repeated asserts are no-ops.
func (l *Line) Assert() error {
	if l.asserted.Swap(true) {
		return nil
	}
	if err := l.ctrl.machine.SetIRQLine(l.gsi, true); err != nil {
		l.asserted.Store(false)
		return fmt.Errorf("assert line %d: %w", l.gsi, err)
	}
	return nil
}

// Deassert lowers a level line. Repeated deasserts are no-ops.
func (l *Line) Deassert() error {
	if !l.asserted.Swap(false) {
		return nil
	}
	if err := l.ctrl.machine.SetIRQLine(l.gsi, false); err != nil {
		l.asserted.Store(true)
		return fmt.Errorf("deassert line %d: %w", l.gsi, err)
	}
	return nil
}

// Asserted reports the current level-line state.
func (l *Line) Asserted() bool { return l.asserted.Load() }

// RouteID names one MSI route in the routing table.
type RouteID uint32

// routeTable is an immutable routing snapshot. Signal loads it through an
// atomic pointer, so route updates never block injection.
type routeTable struct {
	routes map[RouteID]hv.MSIMessage
}

// Config bounds the controller.
type Config struct {
	// FirstGSI is the lowest line number handed out. The numbers below it
	// belong to the platform (PIT, serial, RTC).
	FirstGSI uint32
	// NumLines is the pool size.
	NumLines int
}

// Controller owns the line pool and the MSI routing table.
type Controller struct {
	machine hv.Machine
	cfg     Config

	mu        sync.Mutex
	allocated map[uint32]*Line
	free      []uint32
	nextRoute RouteID

	table atomic.Pointer[routeTable]
}

func NewController(machine hv.Machine, cfg Config) *Controller {
	c := &Controller{
		machine:   machine,
		cfg:       cfg,
		allocated: make(map[uint32]*Line),
	}
	for i := cfg.NumLines - 1; i >= 0; i-- {
		c.free = append(c.free, cfg.FirstGSI+uint32(i))
	}
	c.table.Store(&routeTable{routes: map[RouteID]hv.MSIMessage{}})
	return c
}

// AllocateLine takes a line from the pool.
func (c *Controller) AllocateLine(trigger Trigger) (*Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) == 0 {
		return nil, fmt.Errorf("%w: all %d lines allocated", ErrLinesExhausted, c.cfg.NumLines)
	}
	gsi := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	l := &Line{ctrl: c, gsi: gsi, trigger: trigger}
	c.allocated[gsi] = l
	return l, nil
}

// FreeLine returns a line to the pool. A still-asserted level line is lowered
// first.
func (c *Controller) FreeLine(l *Line) error {
	if err := l.Deassert(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.allocated[l.gsi]; !ok {
		return fmt.Errorf("interrupts: line %d not allocated", l.gsi)
	}
	delete(c.allocated, l.gsi)
	c.free = append(c.free, l.gsi)
	return nil
}

// AddRoute installs an MSI route and returns its id. The routing table is
// rebuilt and swapped atomically; concurrent Signal calls see either the old
// or the new table, never a partial one.
func (c *Controller) AddRoute(msg hv.MSIMessage) (RouteID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextRoute
	c.nextRoute++
	c.swapTableLocked(func(routes map[RouteID]hv.MSIMessage) {
		routes[id] = msg
	})
	return id, nil
}

// UpdateRoute replaces the message of an existing route.
func (c *Controller) UpdateRoute(id RouteID, msg hv.MSIMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.table.Load().routes[id]; !ok {
		return fmt.Errorf("interrupts: route %d not installed", id)
	}
	c.swapTableLocked(func(routes map[RouteID]hv.MSIMessage) {
		routes[id] = msg
	})
	return nil
}

// RemoveRoute drops a route. Signals on a removed route are discarded.
func (c *Controller) RemoveRoute(id RouteID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.table.Load().routes[id]; !ok {
		return fmt.Errorf("interrupts: route %d not installed", id)
	}
	c.swapTableLocked(func(routes map[RouteID]hv.MSIMessage) {
		delete(routes, id)
	})
	return nil
}

// Signal delivers the MSI behind a route. Lock-free: it reads the current
// table snapshot. A stale id after removal is not an error, the signal is
// simply dropped.
func (c *Controller) Signal(id RouteID) error {
	msg, ok := c.table.Load().routes[id]
	if !ok {
		return nil
	}
	if err := c.machine.SignalMSI(msg); err != nil {
		return fmt.Errorf("signal route %d: %w", id, err)
	}
	return nil
}

// swapTableLocked clones the current table, applies mutate, and publishes the
// result. Caller holds c.mu.
func (c *Controller) swapTableLocked(mutate func(map[RouteID]hv.MSIMessage)) {
	old := c.table.Load().routes
	routes := make(map[RouteID]hv.MSIMessage, len(old)+1)
	for id, msg := range old {
		routes[id] = msg
	}
	mutate(routes)
	c.table.Store(&routeTable{routes: routes})
}

// LinesInUse reports how many lines are allocated.
func (c *Controller) LinesInUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocated)
}
