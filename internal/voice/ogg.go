package voice

import (
	"bytes"
	"fmt"
	"io"
)

// forEachOpusPacket scans an OGG Opus stream and emits each contained
// audio packet. Packets are reassembled from the page segment tables,
// including packets continued across page boundaries. The OpusHead and
// OpusTags header packets are skipped. Returning an error from emit
// aborts the scan with that error.
func forEachOpusPacket(r io.Reader, emit func(packet []byte) error) error {
	header := make([]byte, 27)
	packet := make([]byte, 0, 4000)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		if string(header[0:4]) != "OggS" {
			return fmt.Errorf("invalid OGG page header")
		}

		segCount := int(header[26])
		if segCount == 0 {
			continue
		}

		segTable := make([]byte, segCount)
		if _, err := io.ReadFull(r, segTable); err != nil {
			return err
		}

		for i := 0; i < segCount; i++ {
			segLen := int(segTable[i])
			if segLen > 0 {
				seg := make([]byte, segLen)
				n, err := io.ReadFull(r, seg)
				if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
					return err
				}
				packet = append(packet, seg[:n]...)
			}

			// A lacing value below 255 terminates the packet; 255 means
			// it continues into the next segment (or the next page).
			if segLen < 255 && len(packet) > 0 {
				if !isOpusHeaderPacket(packet) {
					out := make([]byte, len(packet))
					copy(out, packet)
					if err := emit(out); err != nil {
						return err
					}
				}
				packet = packet[:0]
			}
		}
	}
}

func isOpusHeaderPacket(packet []byte) bool {
	return bytes.HasPrefix(packet, []byte("OpusHead")) || bytes.HasPrefix(packet, []byte("OpusTags"))
}
