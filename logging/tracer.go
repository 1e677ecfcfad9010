package logging

// A Tracer traces events of one side of the diode.
// All callbacks are optional. They may be called concurrently.
type Tracer struct {
	SentBlock             func(seq SequenceID, payloadLen ByteCount, k, m int)
	DroppedPackets        func(count int, err error)
	DecodedBlock          func(seq SequenceID, payloadLen ByteCount, recovered bool)
	LostBlock             func(seq SequenceID, reason LossReason)
	SessionReset          func(discardedBlocks int)
	ConfigurationMismatch func(expectedSymbolSize, gotSymbolSize int)
	OpenedConnection      func(id ConnectionID)
	ClosedConnection      func(id ConnectionID, bytes ByteCount)
	AbortedConnection     func(id ConnectionID, reason AbortReason)
	Close                 func()
}

// NewMultiplexedTracer creates a new tracer that multiplexes events to multiple tracers.
func NewMultiplexedTracer(tracers ...*Tracer) *Tracer {
	if len(tracers) == 0 {
		return nil
	}
	if len(tracers) == 1 {
		return tracers[0]
	}
	return &Tracer{
		SentBlock: func(seq SequenceID, payloadLen ByteCount, k, m int) {
			for _, t := range tracers {
				if t.SentBlock != nil {
					t.SentBlock(seq, payloadLen, k, m)
				}
			}
		},
		DroppedPackets: func(count int, err error) {
			for _, t := range tracers {
				if t.DroppedPackets != nil {
					t.DroppedPackets(count, err)
				}
			}
		},
		DecodedBlock: func(seq SequenceID, payloadLen ByteCount, recovered bool) {
			for _, t := range tracers {
				if t.DecodedBlock != nil {
					t.DecodedBlock(seq, payloadLen, recovered)
				}
			}
		},
		LostBlock: func(seq SequenceID, reason LossReason) {
			for _, t := range tracers {
				if t.LostBlock != nil {
					t.LostBlock(seq, reason)
				}
			}
		},
		SessionReset: func(discardedBlocks int) {
			for _, t := range tracers {
				if t.SessionReset != nil {
					t.SessionReset(discardedBlocks)
				}
			}
		},
		ConfigurationMismatch: func(expectedSymbolSize, gotSymbolSize int) {
			for _, t := range tracers {
				if t.ConfigurationMismatch != nil {
					t.ConfigurationMismatch(expectedSymbolSize, gotSymbolSize)
				}
			}
		},
		OpenedConnection: func(id ConnectionID) {
			for _, t := range tracers {
				if t.OpenedConnection != nil {
					t.OpenedConnection(id)
				}
			}
		},
		ClosedConnection: func(id ConnectionID, bytes ByteCount) {
			for _, t := range tracers {
				if t.ClosedConnection != nil {
					t.ClosedConnection(id, bytes)
				}
			}
		},
		AbortedConnection: func(id ConnectionID, reason AbortReason) {
			for _, t := range tracers {
				if t.AbortedConnection != nil {
					t.AbortedConnection(id, reason)
				}
			}
		},
		Close: func() {
			for _, t := range tracers {
				if t.Close != nil {
					t.Close()
				}
			}
		},
	}
}
