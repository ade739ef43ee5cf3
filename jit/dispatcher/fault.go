package dispatcher

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/jit/trace"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/x86"
)

// handleFault delivers a guest fault. A fault while delivering it is a double
// fault; a fault while delivering #DF is a triple fault, which resets the
// machine. Errors that are not guest faults are returned as they are.
func (d *Dispatcher) handleFault(err error) error {
	f, ok := x86.AsFault(err)
	if !ok {
		return err
	}
	d.last = StateHandleFault
	d.Stats.Faults++
	d.emit(trace.NewEvent(trace.KindFault, d.cpu.Cycles, d.cpu.PC()).
		SetFault(f.Vector, f.Code).SetRegs(&d.cpu.Regs))
	log.Trace(log.DispatchMonitoring, "guest fault", "fault", f, "pc", fmt.Sprintf("%08x", d.cpu.PC()))

	derr := d.cpu.RaiseException(f)
	if derr == nil {
		return nil
	}

	d.Stats.DoubleFaults++
	second, _ := x86.AsFault(derr)
	ev := trace.NewEvent(trace.KindDoubleFault, d.cpu.Cycles, d.cpu.PC()).SetFault(f.Vector, f.Code)
	if second != nil {
		ev.SetReason(second.Error())
	}
	d.emit(ev)
	log.Warn(log.DispatchMonitoring, "double fault", "first", f, "second", derr, "pc", fmt.Sprintf("%08x", d.cpu.PC()))
	if d.opts.ResetOnDoubleFault {
		d.reset("double fault")
		return nil
	}

	if err := d.cpu.RaiseException(&x86.Fault{Vector: x86.VecDF, HasCode: true}); err == nil {
		return nil
	}

	d.Stats.TripleFaults++
	d.emit(trace.NewEvent(trace.KindTripleFault, d.cpu.Cycles, d.cpu.PC()).SetRegs(&d.cpu.Regs))
	log.Error(log.DispatchMonitoring, "triple fault", "first", f, "pc", fmt.Sprintf("%08x", d.cpu.PC()), "regs", d.cpu.State())
	d.reset("triple fault")
	if d.opts.StopOnTripleFault {
		return fmt.Errorf("after %s: %w", f, jiterrors.ErrDTripleFault)
	}
	return nil
}

// serviceInterrupt delivers the highest pending maskable interrupt, if the
// CPU accepts interrupts and is not in the shadow of STI or an SS load.
func (d *Dispatcher) serviceInterrupt() error {
	if d.pic == nil || !d.cpu.AcceptsInterrupt() {
		return nil
	}
	vector, ok := d.pic.Pending()
	if !ok {
		return nil
	}
	d.pic.Ack(vector)
	d.Stats.Interrupts++
	d.emit(trace.NewEvent(trace.KindInterrupt, d.cpu.Cycles, d.cpu.PC()).SetFault(vector, 0))
	if err := d.cpu.Interrupt(vector, 0, false); err != nil {
		return d.handleFault(err)
	}
	return nil
}

// reset flushes the code cache, puts the CPU in its power-on state and then
// lets the machine restore its own devices and entry point. Guest RAM is kept.
func (d *Dispatcher) reset(reason string) {
	d.resetReq.Store(false)
	if err := d.store.Flush(); err != nil {
		log.Error(log.DispatchMonitoring, "flush on reset", "err", err)
	}
	d.cpu.Reset()
	d.onReset()
	d.Stats.Resets++
	d.emit(trace.NewEvent(trace.KindReset, d.cpu.Cycles, d.cpu.PC()).SetReason(reason))
	log.Info(log.DispatchMonitoring, "machine reset", "reason", reason)
}
