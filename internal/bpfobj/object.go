// Package bpfobj owns the user-space side of the BPF contract: loading
// compiled objects, attaching probes, and draining maps and rings. All
// monitors go through it; none touch cilium/ebpf directly.
package bpfobj

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"
)

var memlockOnce sync.Once

// Kind selects how an AttachPoint binds to the kernel.
type Kind int

const (
	Tracepoint Kind = iota
	Kprobe
	Kretprobe
)

// AttachPoint names one kernel hook and the program that handles it.
type AttachPoint struct {
	Kind    Kind
	Group   string   // tracepoint group
	Name    string   // tracepoint name
	Symbols []string // kprobe symbol candidates, tried in order
	Program string   // program name inside the object
	// Optional points log a warning when absent instead of failing,
	// as long as at least one point of the set binds.
	Optional bool
}

// Label names the point for logs and errors.
func (p AttachPoint) Label() string {
	if p.Kind == Tracepoint {
		return p.Group + ":" + p.Name
	}
	if len(p.Symbols) > 0 {
		return p.Symbols[0]
	}
	return p.Program
}

// Object wraps one monitor's loaded collection and its attached links.
type Object struct {
	monitor string
	coll    *ebpf.Collection
	links   []link.Link
	log     *logrus.Entry
}

// LoadOptions tune how an object is loaded.
type LoadOptions struct {
	// MapEntries overrides MaxEntries for every hash map in the spec.
	// Zero keeps the sizes compiled into the object.
	MapEntries uint32
}

// Load reads <dir>/<monitor>.bpf.o, patches map sizes, and loads the
// collection into the kernel. Probes are not attached yet.
func Load(monitor, dir string, opts LoadOptions, log *logrus.Entry) (*Object, error) {
	memlockOnce.Do(func() {
		if err := rlimit.RemoveMemlock(); err != nil {
			log.WithError(err).Warn("failed to remove memlock rlimit")
		}
	})

	path := filepath.Join(dir, monitor+".bpf.o")
	f, err := os.Open(path)
	if err != nil {
		return nil, classifyLoadError(monitor, err)
	}
	defer f.Close()

	spec, err := ebpf.LoadCollectionSpecFromReader(f)
	if err != nil {
		return nil, classifyLoadError(monitor, err)
	}

	if opts.MapEntries > 0 {
		for name, m := range spec.Maps {
			if m.Type == ebpf.Hash {
				spec.Maps[name].MaxEntries = opts.MapEntries
			}
		}
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, classifyLoadError(monitor, err)
	}

	return &Object{monitor: monitor, coll: coll, log: log}, nil
}

// Attach binds every point. Required points that cannot bind return an
// AttachError; optional ones log a warning. At least one point must
// bind or Attach fails regardless of optionality.
func (o *Object) Attach(points []AttachPoint) error {
	attached := 0
	for _, p := range points {
		l, err := o.attachOne(p)
		if err != nil {
			if p.Optional {
				o.log.WithError(err).WithField("point", p.Label()).
					Warn("optional attach point not available")
				continue
			}
			o.detachAll()
			return &AttachError{Monitor: o.monitor, Point: p.Label(), Err: err}
		}
		o.links = append(o.links, l)
		attached++
	}
	if attached == 0 {
		return &AttachError{Monitor: o.monitor, Point: "any", Err: fmt.Errorf("no attach point bound")}
	}
	return nil
}

func (o *Object) attachOne(p AttachPoint) (link.Link, error) {
	prog, ok := o.coll.Programs[p.Program]
	if !ok {
		return nil, fmt.Errorf("program %q not in object", p.Program)
	}
	switch p.Kind {
	case Tracepoint:
		return link.Tracepoint(p.Group, p.Name, prog, nil)
	case Kprobe, Kretprobe:
		var lastErr error
		for _, sym := range p.Symbols {
			var l link.Link
			var err error
			if p.Kind == Kprobe {
				l, err = link.Kprobe(sym, prog, nil)
			} else {
				l, err = link.Kretprobe(sym, prog, nil)
			}
			if err == nil {
				return l, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no symbols given")
		}
		return nil, lastErr
	}
	return nil, fmt.Errorf("unknown attach kind %d", p.Kind)
}

// Map returns the named map from the collection.
func (o *Object) Map(name string) (*ebpf.Map, error) {
	m, ok := o.coll.Maps[name]
	if !ok || m == nil {
		return nil, fmt.Errorf("%s: map %q not in object", o.monitor, name)
	}
	return m, nil
}

// SeedFilter fills a target-filter map (pid or uid keyed) and arms
// the matching filter_flags slot so the kernel-side helpers start
// rejecting everything outside the set. An empty set leaves the
// filter disarmed.
func (o *Object) SeedFilter(mapName string, flagIndex uint32, keys []uint32) error {
	if len(keys) == 0 {
		return nil
	}
	m, err := o.Map(mapName)
	if err != nil {
		return err
	}
	one := uint8(1)
	for _, k := range keys {
		key := k
		if err := m.Update(&key, &one, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("seed %s: %w", mapName, err)
		}
	}
	flags, err := o.Map("filter_flags")
	if err != nil {
		return err
	}
	armed := uint32(1)
	if err := flags.Update(&flagIndex, &armed, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("arm filter %d: %w", flagIndex, err)
	}
	return nil
}

func (o *Object) detachAll() {
	for _, l := range o.links {
		_ = l.Close()
	}
	o.links = nil
}

// Close detaches all probes and closes all maps and programs.
func (o *Object) Close() error {
	o.detachAll()
	if o.coll != nil {
		o.coll.Close()
		o.coll = nil
	}
	return nil
}
