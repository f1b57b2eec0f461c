package model

// Standoff is the per-job completion barrier: a set of flags that
// each latch true exactly once. A coordinator consults the three
// predicates below to decide when it may emit the broker ack/nack
// and when it may tear itself down. It is a private field of exactly
// one coordinator and is never shared, so it needs no locking of its
// own beyond what the coordinator's single event loop already gives it.
type Standoff struct {
	Local     bool // download + fan-out + publish decisions all made
	Result    bool // result package published, or there were no successes
	Remainder bool // re-queue package published, or there were no failures
	Consumer  bool // dispatcher confirmed the broker ack/nack
	Nack      bool // the job is unrecoverable (download failed)
}

// SetLocal latches Local. Repeated calls are no-ops: flags latch once.
func (s *Standoff) SetLocal()     { s.Local = true }
func (s *Standoff) SetResult()    { s.Result = true }
func (s *Standoff) SetRemainder() { s.Remainder = true }
func (s *Standoff) SetConsumer()  { s.Consumer = true }
func (s *Standoff) SetNack()      { s.Nack = true }

// AckState reports whether the job may be acked to the broker.
func (s Standoff) AckState() bool {
	return s.Local && s.Result && s.Remainder && !s.Consumer
}

// NackState reports whether the job is unrecoverable and the
// coordinator may close its transport and terminate.
func (s Standoff) NackState() bool {
	return s.Local && s.Nack
}

// Resolved reports whether the job is fully done: acked, and the
// coordinator may delete its temp file and terminate.
func (s Standoff) Resolved() bool {
	return s.Local && s.Result && s.Remainder && s.Consumer
}
