package devices

import "math"

// BatchMode is the reduction applied by a batch read. The numeric values
// are the ones the lb instruction encodes.
type BatchMode int

const (
	Average BatchMode = 0
	Sum     BatchMode = 1
	Minimum BatchMode = 2
	Maximum BatchMode = 3
)

// Pool groups registered devices by prefab hash for batch I/O. It is
// derived state: rebuilt by registration calls between runs, never
// persisted, and never mutated while a simulation is stepping.
type Pool struct {
	buckets map[int32][]*VirtualDevice
}

func NewPool() *Pool {
	return &Pool{buckets: make(map[int32][]*VirtualDevice)}
}

// Add registers a device under its prefab hash, preserving insertion order.
func (p *Pool) Add(d *VirtualDevice) {
	h := d.Hash()
	p.buckets[h] = append(p.buckets[h], d)
}

// Reset drops every registration.
func (p *Pool) Reset() {
	p.buckets = make(map[int32][]*VirtualDevice)
}

// Devices returns the ordered bucket for a hash.
func (p *Pool) Devices(hash int32) []*VirtualDevice {
	return p.buckets[hash]
}

// BatchRead gathers prop from every device in the bucket, drops NaN
// readings and reduces by mode. Empty buckets and all-NaN buckets reduce
// to 0: the device bus is inert, it never faults.
func (p *Pool) BatchRead(hash int32, prop string, mode BatchMode) float64 {
	var readings []float64
	for _, d := range p.buckets[hash] {
		v := d.Get(prop)
		if math.IsNaN(v) {
			continue
		}
		readings = append(readings, v)
	}
	if len(readings) == 0 {
		return 0
	}

	switch mode {
	case Sum, Average:
		total := 0.0
		for _, v := range readings {
			total += v
		}
		if mode == Sum {
			return total
		}
		return total / float64(len(readings))
	case Minimum:
		m := readings[0]
		for _, v := range readings[1:] {
			m = math.Min(m, v)
		}
		return m
	case Maximum:
		m := readings[0]
		for _, v := range readings[1:] {
			m = math.Max(m, v)
		}
		return m
	}
	return 0
}

// BatchWrite stores value into prop on every device in the bucket,
// unconditionally. Devices without the property ignore the write.
func (p *Pool) BatchWrite(hash int32, prop string, value float64) {
	for _, d := range p.buckets[hash] {
		d.Set(prop, value)
	}
}
