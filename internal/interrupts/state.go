package interrupts

import (
	"fmt"

	"github.com/skiffvm/skiff/internal/hv"
)

// LineState is the serializable form of one allocated line.
type LineState struct {
	GSI      uint32
	Trigger  Trigger
	Asserted bool
}

// RouteState is the serializable form of one MSI route.
type RouteState struct {
	ID      RouteID
	Message hv.MSIMessage
}

// State is the serializable form of the controller.
type State struct {
	Lines     []LineState
	Routes    []RouteState
	NextRoute RouteID
}

// SaveState captures the allocation and routing state. Callers snapshot only
// while vCPUs are paused.
func (c *Controller) SaveState() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{NextRoute: c.nextRoute}
	for _, l := range c.allocated {
		st.Lines = append(st.Lines, LineState{GSI: l.gsi, Trigger: l.trigger, Asserted: l.asserted.Load()})
	}
	for id, msg := range c.table.Load().routes {
		st.Routes = append(st.Routes, RouteState{ID: id, Message: msg})
	}
	return st, nil
}

// RestoreState rebuilds the controller from a saved state. The controller
// must be fresh. Level lines that were asserted at save time are re-asserted
// so the guest observes the same pending interrupts.
func (c *Controller) RestoreState(st State) (map[uint32]*Line, error) {
	c.mu.Lock()
	if len(c.allocated) != 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("interrupts: restore into a populated controller")
	}

	lines := make(map[uint32]*Line, len(st.Lines))
	for _, ls := range st.Lines {
		if !c.takeLocked(ls.GSI) {
			c.mu.Unlock()
			return nil, fmt.Errorf("interrupts: line %d outside the pool", ls.GSI)
		}
		l := &Line{ctrl: c, gsi: ls.GSI, trigger: ls.Trigger}
		c.allocated[ls.GSI] = l
		lines[ls.GSI] = l
	}

	routes := make(map[RouteID]hv.MSIMessage, len(st.Routes))
	for _, rs := range st.Routes {
		routes[rs.ID] = rs.Message
	}
	c.table.Store(&routeTable{routes: routes})
	c.nextRoute = st.NextRoute
	c.mu.Unlock()

	for _, ls := range st.Lines {
		if ls.Asserted {
			if err := lines[ls.GSI].Assert(); err != nil {
				return nil, err
			}
		}
	}
	return lines, nil
}

// takeLocked removes gsi from the free pool, reporting whether it was there.
func (c *Controller) takeLocked(gsi uint32) bool {
	for i, free := range c.free {
		if free == gsi {
			c.free = append(c.free[:i], c.free[i+1:]...)
			return true
		}
	}
	return false
}
