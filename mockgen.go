//go:build gomock || generate

package diode

//go:generate sh -c "go run go.uber.org/mock/mockgen -build_flags=\"-tags=gomock\" -package diode -self_package github.com/ddritzenhoff/diode -destination mock_frame_writer_test.go github.com/ddritzenhoff/diode FrameWriter"
type FrameWriter = frameWriter

//go:generate sh -c "go run go.uber.org/mock/mockgen -build_flags=\"-tags=gomock\" -package diode -self_package github.com/ddritzenhoff/diode -destination mock_packet_writer_test.go github.com/ddritzenhoff/diode PacketWriter"
type PacketWriter = packetWriter
