package qemu

import (
	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

const (
	firstExpanderBusNr = 5
	firstExpanderAddr  = 0xa
)

// RoundUp returns the smallest multiple of multiple that is >= value. For
// multiple <= 1 it is the identity.
func RoundUp(value, multiple int) int {
	if multiple <= 1 {
		return value
	}
	if rem := value % multiple; rem != 0 {
		return value + (multiple - rem)
	}
	return value
}

// NodeBucket is the set of GPUs sharing one host NUMA node.
type NodeBucket struct {
	HostNode int
	GPUs     []string
}

// Placement splits guest vCPUs and memory evenly across the host NUMA nodes
// of the attached GPUs.
type Placement struct {
	Buckets   []NodeBucket
	VCPUs     int
	MemoryGiB int
}

// PlanNUMA buckets GPUs by host node in first-seen order; GPUs with unknown
// affinity count as node 0. vCPUs and memory are rounded up so both divide
// evenly between buckets. Returns nil when no GPU is attached.
func PlanNUMA(topo *interfaces.GPUTopology, vcpus, memoryGiB int) *Placement {
	if topo == nil || len(topo.GPUs) == 0 {
		return nil
	}

	p := &Placement{}
	index := map[int]int{}
	for _, slot := range topo.GPUs {
		node := topo.NodeOf(slot).OrZero()
		i, ok := index[node]
		if !ok {
			i = len(p.Buckets)
			index[node] = i
			p.Buckets = append(p.Buckets, NodeBucket{HostNode: node})
		}
		p.Buckets[i].GPUs = append(p.Buckets[i].GPUs, slot)
	}

	n := len(p.Buckets)
	p.VCPUs = RoundUp(vcpus, n)
	p.MemoryGiB = RoundUp(memoryGiB, n)
	return p
}

func (p *Placement) VCPUsPerNode() int  { return p.VCPUs / len(p.Buckets) }
func (p *Placement) MemoryPerNode() int { return p.MemoryGiB / len(p.Buckets) }

// BusNumbers returns the first PCI bus number of every bucket's expander bus.
// Each range reserves one bus more than the bucket's device count.
func (p *Placement) BusNumbers() []int {
	nrs := make([]int, len(p.Buckets))
	next := firstExpanderBusNr
	for i, b := range p.Buckets {
		nrs[i] = next
		next += len(b.GPUs) + 1
	}
	return nrs
}
