// Package eventlog writes diode events as newline-delimited JSON.
package eventlog

import (
	"bufio"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ddritzenhoff/diode/logging"

	"github.com/francoispqt/gojay"
)

const eventChanSize = 50

type writer struct {
	w  io.WriteCloser
	bw *bufio.Writer

	referenceTime time.Time

	// mx guards closed, events are dropped once the writer is closed
	mx     sync.RWMutex
	closed bool

	events     chan event
	encodeErr  error
	runStopped chan struct{}
	closeOnce  sync.Once
}

func newWriter(w io.WriteCloser) *writer {
	return &writer{
		w:             w,
		bw:            bufio.NewWriter(w),
		referenceTime: time.Now(),
		events:        make(chan event, eventChanSize),
		runStopped:    make(chan struct{}),
	}
}

func (w *writer) RecordEvent(details eventDetails) {
	w.mx.RLock()
	defer w.mx.RUnlock()
	if w.closed {
		return
	}
	w.events <- event{
		RelativeTime: time.Since(w.referenceTime),
		eventDetails: details,
	}
}

func (w *writer) run() {
	defer close(w.runStopped)
	enc := gojay.NewEncoder(w.bw)
	for ev := range w.events {
		if w.encodeErr != nil { // if encoding failed, just continue draining the event channel
			continue
		}
		if err := enc.EncodeObject(ev); err != nil {
			w.encodeErr = err
			continue
		}
		if err := w.bw.WriteByte('\n'); err != nil {
			w.encodeErr = err
		}
	}
}

func (w *writer) Close() {
	w.closeOnce.Do(func() {
		w.mx.Lock()
		w.closed = true
		close(w.events)
		w.mx.Unlock()
		<-w.runStopped
		if w.encodeErr != nil {
			log.Printf("exporting event log failed: %s\n", w.encodeErr)
			return
		}
		if err := w.bw.Flush(); err != nil {
			log.Printf("exporting event log failed: %s\n", err)
		}
		if err := w.w.Close(); err != nil {
			log.Printf("closing event log failed: %s\n", err)
		}
	})
}

// NewTracer creates a tracer writing all events to w.
// The tracer's Close flushes and closes w. Events recorded after Close are dropped.
func NewTracer(w io.WriteCloser) *logging.Tracer {
	wr := newWriter(w)
	go wr.run()
	return &logging.Tracer{
		SentBlock: func(seq logging.SequenceID, payloadLen logging.ByteCount, k, m int) {
			wr.RecordEvent(eventBlockSent{SequenceID: seq, PayloadLen: payloadLen, K: k, M: m})
		},
		DroppedPackets: func(count int, err error) {
			wr.RecordEvent(eventPacketsDropped{Count: count, Err: err})
		},
		DecodedBlock: func(seq logging.SequenceID, payloadLen logging.ByteCount, recovered bool) {
			wr.RecordEvent(eventBlockDecoded{SequenceID: seq, PayloadLen: payloadLen, Recovered: recovered})
		},
		LostBlock: func(seq logging.SequenceID, reason logging.LossReason) {
			wr.RecordEvent(eventBlockLost{SequenceID: seq, Reason: reason})
		},
		SessionReset: func(discardedBlocks int) {
			wr.RecordEvent(eventSessionReset{DiscardedBlocks: discardedBlocks})
		},
		ConfigurationMismatch: func(expected, got int) {
			wr.RecordEvent(eventConfigurationMismatch{Expected: expected, Got: got})
		},
		OpenedConnection: func(id logging.ConnectionID) {
			wr.RecordEvent(eventConnectionOpened{ID: id})
		},
		ClosedConnection: func(id logging.ConnectionID, bytes logging.ByteCount) {
			wr.RecordEvent(eventConnectionClosed{ID: id, Bytes: bytes})
		},
		AbortedConnection: func(id logging.ConnectionID, reason logging.AbortReason) {
			wr.RecordEvent(eventConnectionAborted{ID: id, Reason: reason})
		},
		Close: wr.Close,
	}
}
