package worker

import "os"

// interruptSignal returns the portable interrupt signal used for __STOP__
// and __ESCAPE__ before any force-kill escalation.
func interruptSignal() os.Signal {
	return os.Interrupt
}
