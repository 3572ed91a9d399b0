//go:build linux
// +build linux

package alloc

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const mpolBind = 2 // MPOL_BIND from numaif.h

// reserve maps an anonymous region, hugepage-backed when possible, and binds
// it to the requested NUMA node. Returns the mapping and whether hugepages
// back it.
func reserve(size, numaNode int, allowSmallPages bool) ([]byte, bool, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	mem, err := unix.Mmap(-1, 0, size, prot, flags|unix.MAP_HUGETLB)
	huge := true
	if err != nil {
		if !allowSmallPages {
			return nil, false, fmt.Errorf("hugepage mmap of %d bytes: %w", size, err)
		}
		mem, err = unix.Mmap(-1, 0, size, prot, flags)
		if err != nil {
			return nil, false, fmt.Errorf("mmap of %d bytes: %w", size, err)
		}
		huge = false
	}

	if numaNode >= 0 {
		if err := bindToNode(mem, numaNode); err != nil {
			_ = unix.Munmap(mem)
			return nil, false, err
		}
	}
	return mem, huge, nil
}

func release(mem []byte) {
	if mem != nil {
		_ = unix.Munmap(mem)
	}
}

// bindToNode applies an MPOL_BIND policy to the mapping. The pages are not
// faulted in yet, so the policy governs every later fault.
func bindToNode(mem []byte, node int) error {
	if node > 63 {
		return fmt.Errorf("alloc: NUMA node %d out of range", node)
	}
	mask := uint64(1) << uint(node)
	_, _, errno := unix.Syscall6(
		unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&mem[0])),
		uintptr(len(mem)),
		mpolBind,
		uintptr(unsafe.Pointer(&mask)),
		64, // nodemask width in bits
		0,
	)
	if errno != 0 {
		return fmt.Errorf("alloc: mbind to node %d: %w", node, errno)
	}
	return nil
}

// NodeOfInterface returns the NUMA node of a network interface, or -1 when
// sysfs does not expose one (virtual devices, single-node machines).
func NodeOfInterface(ifname string) int {
	data, err := os.ReadFile("/sys/class/net/" + ifname + "/device/numa_node")
	if err != nil {
		return -1
	}
	node, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1
	}
	return node
}
