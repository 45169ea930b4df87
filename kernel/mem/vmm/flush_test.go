package vmm

import (
	"gopheros/kernel/gate"
	"testing"
)

func TestFlushRangeSingleExecutor(t *testing.T) {
	defer func(origFlush func(FlushRequest), origNum func() int) {
		flushTLBRequestFn = origFlush
		numExecutorsFn = origNum
	}(flushTLBRequestFn, numExecutorsFn)

	var got FlushRequest
	flushTLBRequestFn = func(req FlushRequest) { got = req }
	numExecutorsFn = func() int { return 1 }

	FlushRange(0x1000, 3)

	if got.Addr != 0x1000 || got.Pages != 3 {
		t.Fatalf("expected FlushRequest{0x1000, 3}; got %+v", got)
	}
}

func TestFlushRangePanicsOnMultiExecutor(t *testing.T) {
	defer func(origFlush func(FlushRequest), origNum func() int) {
		flushTLBRequestFn = origFlush
		numExecutorsFn = origNum
	}(flushTLBRequestFn, numExecutorsFn)

	flushTLBRequestFn = func(FlushRequest) {}
	numExecutorsFn = func() int { return 2 }

	defer func() {
		if recover() == nil {
			t.Fatal("expected FlushRange to panic when more than one executor is reported")
		}
	}()
	FlushRange(0x1000, 1)
}

func TestLocalFlushInvalidatesEveryPage(t *testing.T) {
	defer func(orig func(uintptr)) { flushTLBEntryFn = orig }(flushTLBEntryFn)

	var flushed []uintptr
	flushTLBEntryFn = func(addr uintptr) { flushed = append(flushed, addr) }

	localFlush(FlushRequest{Addr: 0x2000, Pages: 3})

	exp := []uintptr{0x2000, 0x3000, 0x4000}
	if len(flushed) != len(exp) {
		t.Fatalf("expected %d flushes; got %d", len(exp), len(flushed))
	}
	for i, addr := range exp {
		if flushed[i] != addr {
			t.Errorf("flush %d: expected 0x%x; got 0x%x", i, addr, flushed[i])
		}
	}
}

func TestShootdownISRUsesPackedRegisters(t *testing.T) {
	defer func(orig func(uintptr)) { flushTLBEntryFn = orig }(flushTLBEntryFn)

	var flushed []uintptr
	flushTLBEntryFn = func(addr uintptr) { flushed = append(flushed, addr) }

	regs := &gate.Registers{RDI: 0x5000, RSI: 2}
	shootdownISR(regs)

	if len(flushed) != 2 || flushed[0] != 0x5000 || flushed[1] != 0x6000 {
		t.Fatalf("unexpected flush set: %v", flushed)
	}
}

func TestInitFlushEngineRegistersShootdownVector(t *testing.T) {
	defer func(orig func(gate.InterruptNumber, uint8, func(*gate.Registers))) {
		registerShootdownFn = orig
	}(registerShootdownFn)

	var gotVector gate.InterruptNumber
	registerShootdownFn = func(v gate.InterruptNumber, ist uint8, handler func(*gate.Registers)) {
		gotVector = v
	}

	if err := InitFlushEngine(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotVector != shootdownVector {
		t.Fatalf("expected registration of vector 0x%x; got 0x%x", shootdownVector, gotVector)
	}
}
