package vm

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"

	"github.com/skiffvm/skiff/internal/hv"
	"github.com/skiffvm/skiff/internal/memory"
)

// Migration stream: the image header, then a full memory frame, then dirty
// delta frames until the sender converges, then the control-state frame and
// a done marker. The receiver acknowledges with a single byte once the
// machine is reconstructed.
const (
	frameMemory byte = 1
	frameDelta  byte = 2
	frameFinal  byte = 3
	frameDone   byte = 4

	migrateAck byte = 0xa5
)

var finalBlockOrder = []string{blockDevices, blockCPUs, blockInterrupts}

// pageDelta carries one dirtied guest page.
type pageDelta struct {
	GuestAddr uint64
	Data      []byte
}

// MigrateOptions bounds the iterative copy phase.
type MigrateOptions struct {
	// MaxDirtyPages is the pause budget: once a round harvests at most
	// this many pages the machine pauses and the remainder goes in the
	// final delta.
	MaxDirtyPages int
	// MaxRounds caps the pre-copy iterations for guests that dirty
	// memory faster than the link drains it.
	MaxRounds int
}

func (o *MigrateOptions) defaults() {
	if o.MaxDirtyPages <= 0 {
		o.MaxDirtyPages = 1024
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = 10
	}
}

// MigrateSend streams the machine to a destination. The machine keeps
// running through the pre-copy rounds; once the dirty set fits the pause
// budget it pauses, sends the final delta plus control state, and is
// fenced: ownership has moved and the source can never resume. A failure
// before the fence leaves the machine as it was.
func (v *VM) MigrateSend(conn io.ReadWriter, opts MigrateOptions) error {
	opts.defaults()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateRunning && v.state != StatePaused {
		snapshotOps.WithLabelValues("migrate_send", "error").Inc()
		return fmt.Errorf("migrate from %s", v.state)
	}
	wasRunning := v.state == StateRunning

	if err := v.mem.StartTracking(); err != nil {
		snapshotOps.WithLabelValues("migrate_send", "error").Inc()
		return fmt.Errorf("migrate: %w", err)
	}

	err := v.sendLocked(conn, opts)
	if terr := v.mem.StopTracking(); terr != nil {
		slog.Error("vm: stop dirty tracking", "id", v.id, "err", terr)
	}
	if err != nil {
		if !v.fenced && wasRunning && v.state == StatePaused {
			if rerr := v.resumeLocked(); rerr != nil {
				slog.Error("vm: resume after failed migration", "id", v.id, "err", rerr)
			}
		}
		snapshotOps.WithLabelValues("migrate_send", "error").Inc()
		return err
	}
	snapshotOps.WithLabelValues("migrate_send", "ok").Inc()
	slog.Debug("vm: migration complete, source fenced", "id", v.id)
	return nil
}

func (v *VM) sendLocked(conn io.ReadWriter, opts MigrateOptions) error {
	w := bufio.NewWriter(conn)

	if err := writeImageHeader(w); err != nil {
		return fmt.Errorf("migrate header: %w", err)
	}

	// Tracking is already live, so writes racing the full copy land in
	// the first harvest.
	full, err := v.mem.SaveState(true)
	if err != nil {
		return fmt.Errorf("migrate memory: %w", err)
	}
	if err := v.sendMemoryFrame(w, full); err != nil {
		return err
	}
	// Flush eagerly while unfenced: a dead link must surface before the
	// point of no return.
	if err := w.Flush(); err != nil {
		return fmt.Errorf("migrate memory: %w", err)
	}

	for round := 0; ; round++ {
		dirty, err := v.collectDelta()
		if err != nil {
			return fmt.Errorf("migrate round %d: %w", round, err)
		}
		converged := len(dirty) <= opts.MaxDirtyPages || round >= opts.MaxRounds
		if !converged {
			slog.Debug("vm: migration pre-copy round", "id", v.id,
				"round", round, "pages", len(dirty))
			if err := sendDeltaFrame(w, dirty); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("migrate round %d: %w", round, err)
			}
			continue
		}

		if err := v.pauseLocked(); err != nil {
			return fmt.Errorf("migrate pause: %w", err)
		}
		// Point of no return: the destination owns the machine once
		// the final state leaves.
		v.fenced = true

		if err := sendDeltaFrame(w, dirty); err != nil {
			return err
		}
		// Pages dirtied between the harvest above and the barrier.
		last, err := v.collectDelta()
		if err != nil {
			return fmt.Errorf("migrate final delta: %w", err)
		}
		if err := sendDeltaFrame(w, last); err != nil {
			return err
		}
		break
	}

	blocks, err := v.encodeBlocksLocked(false)
	if err != nil {
		return fmt.Errorf("migrate state: %w", err)
	}
	if _, err := w.Write([]byte{frameFinal}); err != nil {
		return err
	}
	if err := writeBlocks(w, blocks[1:]); err != nil {
		return fmt.Errorf("migrate state: %w", err)
	}
	if _, err := w.Write([]byte{frameDone}); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("migrate flush: %w", err)
	}

	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return fmt.Errorf("migrate ack: %w", err)
	}
	if ack[0] != migrateAck {
		return fmt.Errorf("migrate ack: unexpected byte 0x%x", ack[0])
	}
	return nil
}

func (v *VM) sendMemoryFrame(w *bufio.Writer, st memory.State) error {
	payload, err := encodeMemoryPayload(st)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte{frameMemory}); err != nil {
		return err
	}
	return writeLenBytes(w, payload)
}

func sendDeltaFrame(w *bufio.Writer, delta []pageDelta) error {
	if _, err := w.Write([]byte{frameDelta}); err != nil {
		return err
	}
	payload, err := encodeGob(delta)
	if err != nil {
		return err
	}
	return writeLenBytes(w, payload)
}

// collectDelta harvests the dirty bitmap and reads out the page contents.
func (v *VM) collectDelta() ([]pageDelta, error) {
	dirty, err := v.mem.HarvestDirty()
	if err != nil {
		return nil, err
	}
	var out []pageDelta
	for _, d := range dirty {
		for _, page := range d.Pages {
			gpa := d.GuestAddr + uint64(page)*hv.PageSize
			buf := make([]byte, hv.PageSize)
			if _, err := v.mem.ReadAt(buf, int64(gpa)); err != nil {
				return nil, fmt.Errorf("read page 0x%x: %w", gpa, err)
			}
			out = append(out, pageDelta{GuestAddr: gpa, Data: buf})
		}
	}
	return out, nil
}

// MigrateReceive reconstructs a machine from a migration stream and
// acknowledges the handoff. The machine comes up paused; the caller
// resumes it once the transport is settled.
func MigrateReceive(hyp hv.Hypervisor, cfg Config, conn io.ReadWriter, build DeviceBuilder) (*VM, error) {
	v, err := receiveInto(hyp, cfg, conn, build)
	if err != nil {
		snapshotOps.WithLabelValues("migrate_receive", "error").Inc()
		return nil, err
	}
	if _, err := conn.Write([]byte{migrateAck}); err != nil {
		v.teardown()
		snapshotOps.WithLabelValues("migrate_receive", "error").Inc()
		return nil, fmt.Errorf("migrate ack: %w", err)
	}
	snapshotOps.WithLabelValues("migrate_receive", "ok").Inc()
	slog.Debug("vm: migration received", "id", v.ID())
	return v, nil
}

func receiveInto(hyp hv.Hypervisor, cfg Config, conn io.ReadWriter, build DeviceBuilder) (*VM, error) {
	r := bufio.NewReader(conn)
	if err := readImageHeader(r); err != nil {
		return nil, err
	}

	v, err := newShell(hyp, cfg)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			v.teardown()
		}
	}()

	haveMemory := false
	for {
		var kind [1]byte
		if _, err := io.ReadFull(r, kind[:]); err != nil {
			return nil, fmt.Errorf("migrate frame: %w", err)
		}
		switch kind[0] {
		case frameMemory:
			if haveMemory {
				return nil, fmt.Errorf("migrate: duplicate memory frame")
			}
			payload, err := readLenBytes(r)
			if err != nil {
				return nil, fmt.Errorf("migrate memory: %w", err)
			}
			st, err := decodeMemoryPayload(payload)
			if err != nil {
				return nil, err
			}
			if err := v.applyMemoryState(st); err != nil {
				return nil, err
			}
			haveMemory = true

		case frameDelta:
			if !haveMemory {
				return nil, fmt.Errorf("migrate: delta before memory frame")
			}
			payload, err := readLenBytes(r)
			if err != nil {
				return nil, fmt.Errorf("migrate delta: %w", err)
			}
			var delta []pageDelta
			if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&delta); err != nil {
				return nil, fmt.Errorf("migrate delta: %w", err)
			}
			for _, p := range delta {
				if _, err := v.mem.WriteAt(p.Data, int64(p.GuestAddr)); err != nil {
					return nil, fmt.Errorf("apply page 0x%x: %w", p.GuestAddr, err)
				}
			}

		case frameFinal:
			if !haveMemory {
				return nil, fmt.Errorf("migrate: state before memory frame")
			}
			blocks, err := readBlocks(r, finalBlockOrder)
			if err != nil {
				return nil, err
			}
			if err := v.applyControlBlocks(blocksByTag(blocks), build); err != nil {
				return nil, err
			}

		case frameDone:
			if !haveMemory {
				return nil, fmt.Errorf("migrate: done before memory frame")
			}
			v.mu.Lock()
			v.setStateLocked(StatePaused)
			v.mu.Unlock()
			ok = true
			return v, nil

		default:
			return nil, fmt.Errorf("migrate: unknown frame 0x%x", kind[0])
		}
	}
}
