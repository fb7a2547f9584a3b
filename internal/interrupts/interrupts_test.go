package interrupts

import (
	"errors"
	"testing"

	"github.com/skiffvm/skiff/internal/hv"
	"github.com/skiffvm/skiff/internal/hv/fake"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *fake.Machine) {
	t.Helper()
	machine, err := fake.New().NewMachine(hv.MachineConfig{MaxVCPUs: 1, MaxSlots: 8})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { machine.Close() })
	return NewController(machine, cfg), machine.(*fake.Machine)
}

func TestLinePoolExhaustion(t *testing.T) {
	c, _ := newTestController(t, Config{FirstGSI: 16, NumLines: 2})

	a, err := c.AllocateLine(Edge)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.AllocateLine(Level); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AllocateLine(Edge); !errors.Is(err, ErrLinesExhausted) {
		t.Fatalf("third allocation = %v, want ErrLinesExhausted", err)
	}

	if err := c.FreeLine(a); err != nil {
		t.Fatal(err)
	}
	reused, err := c.AllocateLine(Edge)
	if err != nil {
		t.Fatalf("allocation after free: %v", err)
	}
	if reused.GSI() != a.GSI() {
		t.Errorf("reused GSI %d, want %d", reused.GSI(), a.GSI())
	}
}

func TestEdgeInjectPulsesLine(t *testing.T) {
	c, machine := newTestController(t, Config{FirstGSI: 16, NumLines: 4})
	l, err := c.AllocateLine(Edge)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Inject(); err != nil {
		t.Fatal(err)
	}

	inj := machine.Injections()
	if len(inj) != 2 {
		t.Fatalf("got %d injections, want raise+lower", len(inj))
	}
	if inj[0].Line != l.GSI() || !inj[0].Level || inj[1].Line != l.GSI() || inj[1].Level {
		t.Fatalf("injections = %+v, want raise then lower on line %d", inj, l.GSI())
	}
}

func TestLevelAssertIdempotent(t *testing.T) {
	c, machine := newTestController(t, Config{FirstGSI: 16, NumLines: 4})
	l, err := c.AllocateLine(Level)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := l.Assert(); err != nil {
			t.Fatal(err)
		}
	}
	if !l.Asserted() {
		t.Fatal("line not asserted")
	}
	if err := l.Deassert(); err != nil {
		t.Fatal(err)
	}
	if err := l.Deassert(); err != nil {
		t.Fatal(err)
	}

	inj := machine.Injections()
	if len(inj) != 2 {
		t.Fatalf("got %d injections, want one raise and one lower: %+v", len(inj), inj)
	}
}

func TestFreeLineLowersAssertedLevel(t *testing.T) {
	c, machine := newTestController(t, Config{FirstGSI: 16, NumLines: 4})
	l, err := c.AllocateLine(Level)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Assert(); err != nil {
		t.Fatal(err)
	}
	if err := c.FreeLine(l); err != nil {
		t.Fatal(err)
	}
	inj := machine.Injections()
	if len(inj) != 2 || inj[1].Level {
		t.Fatalf("injections = %+v, want the line lowered on free", inj)
	}
}

func TestMSIRouting(t *testing.T) {
	c, machine := newTestController(t, Config{FirstGSI: 16, NumLines: 4})

	id, err := c.AddRoute(hv.MSIMessage{Addr: 0xfee00000, Data: 0x41})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Signal(id); err != nil {
		t.Fatal(err)
	}

	if err := c.UpdateRoute(id, hv.MSIMessage{Addr: 0xfee00000, Data: 0x42}); err != nil {
		t.Fatal(err)
	}
	if err := c.Signal(id); err != nil {
		t.Fatal(err)
	}

	if err := c.RemoveRoute(id); err != nil {
		t.Fatal(err)
	}
	// A stale id after removal is silently dropped.
	if err := c.Signal(id); err != nil {
		t.Fatal(err)
	}
	if err := c.UpdateRoute(id, hv.MSIMessage{}); err == nil {
		t.Fatal("update of removed route should fail")
	}

	inj := machine.Injections()
	if len(inj) != 2 {
		t.Fatalf("got %d MSI deliveries, want 2: %+v", len(inj), inj)
	}
	if inj[0].MSI == nil || inj[0].MSI.Data != 0x41 {
		t.Errorf("first delivery = %+v, want data 0x41", inj[0])
	}
	if inj[1].MSI == nil || inj[1].MSI.Data != 0x42 {
		t.Errorf("second delivery = %+v, want data 0x42", inj[1])
	}
}

func TestSaveRestoreReassertsLevelLines(t *testing.T) {
	src, _ := newTestController(t, Config{FirstGSI: 16, NumLines: 4})

	edge, err := src.AllocateLine(Edge)
	if err != nil {
		t.Fatal(err)
	}
	level, err := src.AllocateLine(Level)
	if err != nil {
		t.Fatal(err)
	}
	if err := level.Assert(); err != nil {
		t.Fatal(err)
	}
	routeID, err := src.AddRoute(hv.MSIMessage{Addr: 0xfee00000, Data: 7})
	if err != nil {
		t.Fatal(err)
	}

	st, err := src.SaveState()
	if err != nil {
		t.Fatal(err)
	}

	dst, machine := newTestController(t, Config{FirstGSI: 16, NumLines: 4})
	lines, err := dst.RestoreState(st)
	if err != nil {
		t.Fatal(err)
	}

	if got := lines[level.GSI()]; got == nil || !got.Asserted() {
		t.Fatal("level line not re-asserted after restore")
	}
	if got := lines[edge.GSI()]; got == nil || got.Trigger() != Edge {
		t.Fatal("edge line missing after restore")
	}

	inj := machine.Injections()
	if len(inj) != 1 || !inj[0].Level || inj[0].Line != level.GSI() {
		t.Fatalf("injections after restore = %+v, want one raise on line %d", inj, level.GSI())
	}

	if err := dst.Signal(routeID); err != nil {
		t.Fatal(err)
	}
	inj = machine.Injections()
	if last := inj[len(inj)-1]; last.MSI == nil || last.MSI.Data != 7 {
		t.Fatalf("restored route delivery = %+v, want data 7", last)
	}

	// The restored pool excludes the restored lines.
	if dst.LinesInUse() != 2 {
		t.Fatalf("LinesInUse = %d, want 2", dst.LinesInUse())
	}
	if _, err := dst.AllocateLine(Edge); err != nil {
		t.Fatal(err)
	}
	if _, err := dst.AllocateLine(Edge); err != nil {
		t.Fatal(err)
	}
	if _, err := dst.AllocateLine(Edge); !errors.Is(err, ErrLinesExhausted) {
		t.Fatalf("pool should be exhausted, got %v", err)
	}
}
