package vm

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/blang/semver/v4"
	"golang.org/x/sync/errgroup"

	"github.com/skiffvm/skiff/internal/cpu"
	"github.com/skiffvm/skiff/internal/devices"
	"github.com/skiffvm/skiff/internal/hv"
	"github.com/skiffvm/skiff/internal/interrupts"
	"github.com/skiffvm/skiff/internal/memory"
)

// Image layout: an 8-byte magic and a format version, then one block per
// component in fixed order. Each block is {tag, component semver, payload
// length, payload}. The fixed order stands in for a dependency graph at
// restore time.
var imageMagic = [8]byte{'S', 'K', 'I', 'F', 'F', 'I', 'M', 'G'}

const imageFormatVersion uint32 = 1

const (
	blockMemory     = "memory"
	blockDevices    = "devices"
	blockCPUs       = "cpus"
	blockInterrupts = "interrupts"
)

var blockOrder = []string{blockMemory, blockDevices, blockCPUs, blockInterrupts}

// componentVersions gates restore: a payload from a future major version is
// rejected, newer minors are accepted as forward-compatible.
var componentVersions = map[string]semver.Version{
	blockMemory:     semver.MustParse("1.0.0"),
	blockDevices:    semver.MustParse("1.0.0"),
	blockCPUs:       semver.MustParse("1.0.0"),
	blockInterrupts: semver.MustParse("1.0.0"),
}

type imageBlock struct {
	tag     string
	version semver.Version
	payload []byte
}

// Snapshot serializes the machine to path. The machine must be paused and
// stays paused; on any failure no image is published and the state is
// untouched. The image is written to a temp file and renamed into place so
// a crash mid-write never leaves a partial image under the final name.
func (v *VM) Snapshot(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StatePaused {
		snapshotOps.WithLabelValues("snapshot", "error").Inc()
		return fmt.Errorf("%w: snapshot from %s", ErrSnapshotFailed, v.state)
	}

	blocks, err := v.encodeBlocksLocked(true)
	if err != nil {
		snapshotOps.WithLabelValues("snapshot", "error").Inc()
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		snapshotOps.WithLabelValues("snapshot", "error").Inc()
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := writeImage(tmp, blocks); err != nil {
		snapshotOps.WithLabelValues("snapshot", "error").Inc()
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		snapshotOps.WithLabelValues("snapshot", "error").Inc()
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		tmp = nil
		snapshotOps.WithLabelValues("snapshot", "error").Inc()
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	tmp = nil
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		snapshotOps.WithLabelValues("snapshot", "error").Inc()
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	snapshotOps.WithLabelValues("snapshot", "ok").Inc()
	slog.Debug("vm: snapshot written", "id", v.id, "path", path)
	return nil
}

// encodeBlocksLocked captures every component into its block. The payloads
// are built concurrently but the returned slice keeps the fixed order, so
// the image bytes are deterministic for a given machine state.
func (v *VM) encodeBlocksLocked(memContents bool) ([]imageBlock, error) {
	payloads := make([][]byte, len(blockOrder))

	var g errgroup.Group
	g.Go(func() error {
		st, err := v.mem.SaveState(memContents)
		if err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		payloads[0], err = encodeMemoryPayload(st)
		return err
	})
	g.Go(func() error {
		st, err := v.devs.SaveState()
		if err != nil {
			return fmt.Errorf("devices: %w", err)
		}
		payloads[1], err = encodeGob(st)
		return err
	})
	g.Go(func() error {
		st, err := v.cpus.SaveState()
		if err != nil {
			return fmt.Errorf("cpus: %w", err)
		}
		payloads[2], err = encodeGob(st)
		return err
	})
	g.Go(func() error {
		st, err := v.intc.SaveState()
		if err != nil {
			return fmt.Errorf("interrupts: %w", err)
		}
		payloads[3], err = encodeGob(st)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	blocks := make([]imageBlock, len(blockOrder))
	for i, tag := range blockOrder {
		blocks[i] = imageBlock{tag: tag, version: componentVersions[tag], payload: payloads[i]}
	}
	return blocks, nil
}

// The memory payload is the dominant image cost; it goes through gzip.
func encodeMemoryPayload(st memory.State) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(zw).Encode(st); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeMemoryPayload(payload []byte) (memory.State, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return memory.State{}, fmt.Errorf("memory: %w", err)
	}
	var st memory.State
	if err := gob.NewDecoder(zr).Decode(&st); err != nil {
		return memory.State{}, fmt.Errorf("memory: %w", err)
	}
	if err := zr.Close(); err != nil {
		return memory.State{}, fmt.Errorf("memory: %w", err)
	}
	return st, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeImage(w io.Writer, blocks []imageBlock) error {
	if err := writeImageHeader(w); err != nil {
		return err
	}
	return writeBlocks(w, blocks)
}

func writeImageHeader(w io.Writer) error {
	if _, err := w.Write(imageMagic[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, imageFormatVersion)
}

func writeBlocks(w io.Writer, blocks []imageBlock) error {
	for _, b := range blocks {
		if err := writeLenString(w, b.tag); err != nil {
			return err
		}
		if err := writeLenString(w, b.version.String()); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(b.payload))); err != nil {
			return err
		}
		if _, err := w.Write(b.payload); err != nil {
			return err
		}
	}
	return nil
}

// readImage validates the header and block identities and gates component
// versions. Tags must appear in the fixed order with nothing extra.
func readImage(r io.Reader) ([]imageBlock, error) {
	if err := readImageHeader(r); err != nil {
		return nil, err
	}
	return readBlocks(r, blockOrder)
}

func readImageHeader(r io.Reader) error {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("image header: %w", err)
	}
	if magic != imageMagic {
		return fmt.Errorf("image header: bad magic %q", magic[:])
	}
	var format uint32
	if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
		return fmt.Errorf("image header: %w", err)
	}
	if format != imageFormatVersion {
		return fmt.Errorf("%w: image format %d, supported %d",
			ErrIncompatibleVersion, format, imageFormatVersion)
	}
	return nil
}

func readBlocks(r io.Reader, order []string) ([]imageBlock, error) {
	blocks := make([]imageBlock, 0, len(order))
	for _, wantTag := range order {
		tag, err := readLenString(r)
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", wantTag, err)
		}
		if tag != wantTag {
			return nil, fmt.Errorf("block order: got %q, want %q", tag, wantTag)
		}
		verStr, err := readLenString(r)
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", tag, err)
		}
		ver, err := semver.Parse(verStr)
		if err != nil {
			return nil, fmt.Errorf("block %s version %q: %w", tag, verStr, err)
		}
		if cur := componentVersions[tag]; ver.Major > cur.Major {
			return nil, fmt.Errorf("%w: %s block v%s, supported v%s",
				ErrIncompatibleVersion, tag, ver, cur)
		}
		var length uint64
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("block %s: %w", tag, err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("block %s payload: %w", tag, err)
		}
		blocks = append(blocks, imageBlock{tag: tag, version: ver, payload: payload})
	}
	return blocks, nil
}

func writeLenString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readLenString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeLenBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenBytes(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DeviceBuilder reconstructs the machine's device set during restore. It
// must attach the same devices, under the same IDs and bus placement, that
// the source machine had; restored interrupt lines are handed over keyed
// by GSI so transports rebind to their original lines.
type DeviceBuilder func(v *VM, lines map[uint32]*interrupts.Line) error

// Restore builds a machine from an image. The target is constructed from
// scratch; on any failure no VM is returned and nothing leaks beyond the
// torn-down shell. The restored machine is paused.
func Restore(hyp hv.Hypervisor, cfg Config, r io.Reader, build DeviceBuilder) (*VM, error) {
	blocks, err := readImage(r)
	if err != nil {
		snapshotOps.WithLabelValues("restore", "error").Inc()
		return nil, err
	}
	v, err := newShell(hyp, cfg)
	if err != nil {
		snapshotOps.WithLabelValues("restore", "error").Inc()
		return nil, err
	}
	if err := v.applyBlocks(blocks, build); err != nil {
		v.teardown()
		snapshotOps.WithLabelValues("restore", "error").Inc()
		return nil, err
	}
	v.mu.Lock()
	v.setStateLocked(StatePaused)
	v.mu.Unlock()
	snapshotOps.WithLabelValues("restore", "ok").Inc()
	slog.Debug("vm: restored", "id", v.id)
	return v, nil
}

// RestoreFile is Restore from a snapshot image on disk.
func RestoreFile(hyp hv.Hypervisor, cfg Config, path string, build DeviceBuilder) (*VM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return Restore(hyp, cfg, f, build)
}

// applyBlocks loads components in dependency order: memory first, then
// interrupt state so devices can rebind their lines, then the device set,
// then vCPUs.
func (v *VM) applyBlocks(blocks []imageBlock, build DeviceBuilder) error {
	byTag := blocksByTag(blocks)

	memState, err := decodeMemoryPayload(byTag[blockMemory].payload)
	if err != nil {
		return err
	}
	if err := v.applyMemoryState(memState); err != nil {
		return err
	}
	return v.applyControlBlocks(byTag, build)
}

func blocksByTag(blocks []imageBlock) map[string]imageBlock {
	byTag := make(map[string]imageBlock, len(blocks))
	for _, b := range blocks {
		byTag[b.tag] = b
	}
	return byTag
}

func (v *VM) applyMemoryState(st memory.State) error {
	if err := v.mem.RestoreState(st); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	for _, ri := range v.mem.Regions() {
		if ri.Hotplug {
			v.hotplugged[ri.Handle] = ri.GuestAddr
		} else {
			v.bootRegion = ri.Handle
		}
	}
	return nil
}

// applyControlBlocks loads the non-memory components; byTag must hold the
// devices, cpus, and interrupts blocks.
func (v *VM) applyControlBlocks(byTag map[string]imageBlock, build DeviceBuilder) error {
	var intState interrupts.State
	if err := gob.NewDecoder(bytes.NewReader(byTag[blockInterrupts].payload)).Decode(&intState); err != nil {
		return fmt.Errorf("interrupts: %w", err)
	}
	lines, err := v.intc.RestoreState(intState)
	if err != nil {
		return fmt.Errorf("interrupts: %w", err)
	}

	if build != nil {
		if err := build(v, lines); err != nil {
			return fmt.Errorf("build devices: %w", err)
		}
	}
	var devState []devices.DeviceState
	if err := gob.NewDecoder(bytes.NewReader(byTag[blockDevices].payload)).Decode(&devState); err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	if err := v.devs.RestoreState(devState); err != nil {
		return fmt.Errorf("devices: %w", err)
	}

	var cpuState cpu.State
	if err := gob.NewDecoder(bytes.NewReader(byTag[blockCPUs].payload)).Decode(&cpuState); err != nil {
		return fmt.Errorf("cpus: %w", err)
	}
	if err := v.cpus.RestoreState(cpuState, nil); err != nil {
		return fmt.Errorf("cpus: %w", err)
	}
	return nil
}
