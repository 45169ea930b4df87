package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/gate"
	"gopheros/kernel/mem"
)

// shootdownVector is the interrupt vector used to ask another executor to
// invalidate a range of its TLB entries.
const shootdownVector = gate.InterruptNumber(0x30)

// FlushRequest describes a virtual address range whose TLB entries must be
// invalidated on every executor that may have cached a mapping for it.
type FlushRequest struct {
	Addr  uintptr
	Pages uintptr
}

var (
	// the following are overridden by tests.
	numExecutorsFn     = cpu.NumExecutors
	flushTLBRequestFn  = localFlush
	registerShootdownFn = gate.HandleInterrupt
)

// InitFlushEngine installs the interrupt handler that lets other executors
// service an incoming TLB shootdown request. It must be called once, after
// irq/gate initialization.
func InitFlushEngine() *kernel.Error {
	registerShootdownFn(shootdownVector, 0, shootdownISR)
	return nil
}

// shootdownISR is invoked on the receiving executor when a shootdown IPI
// arrives. The requested range is packed into RDI (address) and RSI (page
// count) by the sender.
func shootdownISR(regs *gate.Registers) {
	localFlush(FlushRequest{Addr: uintptr(regs.RDI), Pages: uintptr(regs.RSI)})
}

// localFlush invalidates every page in req on the current executor.
func localFlush(req FlushRequest) {
	for i := uintptr(0); i < req.Pages; i++ {
		flushTLBEntryFn(req.Addr + i*uintptr(mem.PageSize))
	}
}

// FlushRange invalidates the TLB entries for [base, base+pageCount*PageSize)
// across every executor that might have them cached. The calling executor is
// always flushed directly; until AP bring-up and a local-APIC ICR sender
// exist in this tree, NumExecutors never exceeds 1 so there is nothing left
// to broadcast to.
func FlushRange(base uintptr, pageCount uintptr) {
	req := FlushRequest{Addr: base, Pages: pageCount}
	flushTLBRequestFn(req)

	if numExecutorsFn() > 1 {
		// Broadcasting shootdownVector to the other executors belongs
		// here once a local-APIC ICR sender exists. Panic rather than
		// silently skip remote invalidation if that day ever comes
		// before this path is implemented.
		panic(errMultiExecutorUnsupported)
	}
}

var errMultiExecutorUnsupported = &kernel.Error{Module: "vmm", Message: "TLB shootdown broadcast to remote executors is not yet implemented"}
