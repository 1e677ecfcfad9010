package eventlog

import (
	"time"

	"github.com/ddritzenhoff/diode/logging"

	"github.com/francoispqt/gojay"
)

func milliseconds(dur time.Duration) float64 { return float64(dur.Nanoseconds()) / 1e6 }

type eventDetails interface {
	Name() string
	gojay.MarshalerJSONObject
}

type event struct {
	RelativeTime time.Duration
	eventDetails
}

var _ gojay.MarshalerJSONObject = event{}

func (e event) IsNil() bool { return false }
func (e event) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Float64Key("time", milliseconds(e.RelativeTime))
	enc.StringKey("name", e.Name())
	enc.ObjectKey("data", e.eventDetails)
}

type eventBlockSent struct {
	SequenceID logging.SequenceID
	PayloadLen logging.ByteCount
	K, M       int
}

func (e eventBlockSent) Name() string { return "transport:block_sent" }
func (e eventBlockSent) IsNil() bool  { return false }

func (e eventBlockSent) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Uint32Key("sequence_id", uint32(e.SequenceID))
	enc.Int64Key("payload_length", int64(e.PayloadLen))
	enc.IntKey("source_symbols", e.K)
	enc.IntKey("repair_symbols", e.M)
}

type eventPacketsDropped struct {
	Count int
	Err   error
}

func (e eventPacketsDropped) Name() string { return "transport:packets_dropped" }
func (e eventPacketsDropped) IsNil() bool  { return false }

func (e eventPacketsDropped) MarshalJSONObject(enc *gojay.Encoder) {
	enc.IntKey("count", e.Count)
	if e.Err != nil {
		enc.StringKey("error", e.Err.Error())
	}
}

type eventBlockDecoded struct {
	SequenceID logging.SequenceID
	PayloadLen logging.ByteCount
	Recovered  bool
}

func (e eventBlockDecoded) Name() string { return "transport:block_decoded" }
func (e eventBlockDecoded) IsNil() bool  { return false }

func (e eventBlockDecoded) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Uint32Key("sequence_id", uint32(e.SequenceID))
	enc.Int64Key("payload_length", int64(e.PayloadLen))
	enc.BoolKeyOmitEmpty("recovered", e.Recovered)
}

type eventBlockLost struct {
	SequenceID logging.SequenceID
	Reason     logging.LossReason
}

func (e eventBlockLost) Name() string { return "transport:block_lost" }
func (e eventBlockLost) IsNil() bool  { return false }

func (e eventBlockLost) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Uint32Key("sequence_id", uint32(e.SequenceID))
	enc.StringKey("reason", e.Reason.String())
}

type eventSessionReset struct {
	DiscardedBlocks int
}

func (e eventSessionReset) Name() string { return "transport:session_reset" }
func (e eventSessionReset) IsNil() bool  { return false }

func (e eventSessionReset) MarshalJSONObject(enc *gojay.Encoder) {
	enc.IntKey("discarded_blocks", e.DiscardedBlocks)
}

type eventConfigurationMismatch struct {
	Expected, Got int
}

func (e eventConfigurationMismatch) Name() string { return "transport:configuration_mismatch" }
func (e eventConfigurationMismatch) IsNil() bool  { return false }

func (e eventConfigurationMismatch) MarshalJSONObject(enc *gojay.Encoder) {
	enc.IntKey("expected_symbol_size", e.Expected)
	enc.IntKey("symbol_size", e.Got)
}

type eventConnectionOpened struct {
	ID logging.ConnectionID
}

func (e eventConnectionOpened) Name() string { return "connection:opened" }
func (e eventConnectionOpened) IsNil() bool  { return false }

func (e eventConnectionOpened) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("connection_id", e.ID.String())
}

type eventConnectionClosed struct {
	ID    logging.ConnectionID
	Bytes logging.ByteCount
}

func (e eventConnectionClosed) Name() string { return "connection:closed" }
func (e eventConnectionClosed) IsNil() bool  { return false }

func (e eventConnectionClosed) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("connection_id", e.ID.String())
	enc.Int64Key("bytes", int64(e.Bytes))
}

type eventConnectionAborted struct {
	ID     logging.ConnectionID
	Reason logging.AbortReason
}

func (e eventConnectionAborted) Name() string { return "connection:aborted" }
func (e eventConnectionAborted) IsNil() bool  { return false }

func (e eventConnectionAborted) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("connection_id", e.ID.String())
	enc.StringKey("reason", e.Reason.String())
}
