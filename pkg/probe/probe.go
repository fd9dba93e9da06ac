// Package probe attaches to the kernel's capability-check entry point
// (cap_capable) and drains the Request stream it produces. The eBPF side
// is modeled on github.com/cilium/ebpf, the same library the rest of the
// container-tooling ecosystem in this pack (sysbox, moby) reaches for
// when it needs kprobes and BPF maps from Go.
package probe

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/sirupsen/logrus"
)

// maxEntries bounds both the kernel->user request queue and the
// stack-trace table; the two share one upper bound (spec: on the order
// of 2^21 entries). Exceeding it drops new events, never older ones.
const maxEntries = 1 << 21

// Request is the fixed-layout record pushed by the kernel probe for every
// capability check. Field order and widths must stay byte-for-byte
// compatible with the struct the kernel program writes; any reordering
// here would desynchronize producer and consumer.
type Request struct {
	Pid        int32
	Ppid       int32
	UidGid     uint64
	PnsidNsid  uint64
	Capability uint8
	_          [7]byte // explicit padding so StackID stays 8-byte aligned
	StackID    int64
}

// UID returns the low 32 bits of UidGid.
func (r Request) UID() uint32 { return uint32(r.UidGid) }

// GID returns the high 32 bits of UidGid.
func (r Request) GID() uint32 { return uint32(r.UidGid >> 32) }

// NSID returns the PID-namespace inode (low 32 bits of PnsidNsid).
func (r Request) NSID() uint32 { return uint32(r.PnsidNsid) }

// ParentNSID returns the parent PID-namespace inode (high 32 bits).
func (r Request) ParentNSID() uint32 { return uint32(r.PnsidNsid >> 32) }

// Loader is the contract the aggregator drains against. A fake
// implementation lets the aggregation pass be tested without a live
// kernel probe attached.
type Loader interface {
	// Pop removes and returns one Request, or ok=false when the queue is
	// empty.
	Pop() (Request, bool, error)
	// StackFrames resolves a stack-trace id to its raw instruction
	// pointer frames. ok is false when the id has no live entry
	// (consumers must treat this as a non-fatal skip).
	StackFrames(id int64) (frames []uint64, ok bool)
	Close() error
}

// KProbe attaches to the kernel's cap_capable entry point via a cilium/ebpf
// kprobe link, backed by a BPF_MAP_TYPE_STACK request queue
// ("ENTRY_STACK") and a BPF_MAP_TYPE_STACK_TRACE table
// ("STACKTRACE_MAP").
type KProbe struct {
	log     *logrus.Entry
	coll    *ebpf.Collection
	link    link.Link
	entries *ebpf.Map
	traces  *ebpf.Map
}

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -target bpfel,bpfeb -cc clang -type request capable ../../bpf/capable.bpf.c -- -I../../bpf/headers

// LoadKProbe loads the compiled eBPF object and attaches it to the named
// kernel symbol, by default "cap_capable". The object itself is produced
// out-of-band, by running `go generate ./...` against bpf/capable.bpf.c
// (see the go:generate directive above) on a machine with clang and the
// kernel headers installed, then packaging the resulting capable_bpfel.o
// (or capable_bpfeb.o, on big-endian targets) to whatever path objectPath
// resolves. This is never compiled in by a plain `go build`.
func LoadKProbe(log *logrus.Entry, objectPath, symbol string) (*KProbe, error) {
	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("load eBPF object %s: %w", objectPath, err)
	}

	if entries, ok := spec.Maps["ENTRY_STACK"]; ok {
		entries.MaxEntries = maxEntries
	}
	if traces, ok := spec.Maps["STACKTRACE_MAP"]; ok {
		traces.MaxEntries = maxEntries
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("instantiate eBPF collection: %w", err)
	}

	prog, ok := coll.Programs["capable"]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("eBPF object has no %q program", "capable")
	}

	kp, err := link.Kprobe(symbol, prog, nil)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attach kprobe on %s: %w", symbol, err)
	}

	entries, ok := coll.Maps["ENTRY_STACK"]
	if !ok {
		kp.Close()
		coll.Close()
		return nil, fmt.Errorf("eBPF object has no ENTRY_STACK map")
	}
	traces, ok := coll.Maps["STACKTRACE_MAP"]
	if !ok {
		kp.Close()
		coll.Close()
		return nil, fmt.Errorf("eBPF object has no STACKTRACE_MAP map")
	}

	log.WithField("symbol", symbol).Debug("kprobe attached")

	return &KProbe{log: log, coll: coll, link: kp, entries: entries, traces: traces}, nil
}

// Pop implements Loader by popping one Request off the BPF_MAP_TYPE_STACK
// queue. It never blocks: a clean "queue empty" error from the kernel
// side is reported as ok=false, nil.
func (p *KProbe) Pop() (Request, bool, error) {
	var req Request
	err := p.entries.LookupAndDelete(nil, &req)
	if err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return Request{}, false, nil
		}
		return Request{}, false, fmt.Errorf("pop request: %w", err)
	}
	return req, true, nil
}

// maxStackDepth mirrors PERF_MAX_STACK_DEPTH, the kernel's fixed capacity
// for one stack-trace entry.
const maxStackDepth = 127

// StackFrames implements Loader.
func (p *KProbe) StackFrames(id int64) ([]uint64, bool) {
	if id < 0 || id > int64(^uint32(0)>>1) {
		return nil, false
	}
	var frames [maxStackDepth]uint64
	key := uint32(id)
	if err := p.traces.Lookup(&key, &frames); err != nil {
		return nil, false
	}
	out := frames[:0:0]
	for _, ip := range frames {
		if ip == 0 {
			break
		}
		out = append(out, ip)
	}
	return out, true
}

// Close detaches the kprobe and releases the BPF collection.
func (p *KProbe) Close() error {
	var firstErr error
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			firstErr = err
		}
	}
	if p.coll != nil {
		p.coll.Close()
	}
	return firstErr
}
