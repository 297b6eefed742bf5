package resolver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// MP3Info holds what the first MPEG frame header reveals about a file.
type MP3Info struct {
	Bitrate    int     // bits per second
	SampleRate int     // Hz
	Duration   float64 // seconds, estimated from size and bitrate
}

// ISO 11172-3 / 13818-3 lookup tables, kbps.
var bitrateTable = [2][3][16]int{
	{ // MPEG-1
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	},
	{ // MPEG-2 / 2.5
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
	},
}

var sampleRateTable = [3][4]int{
	{44100, 48000, 32000, 0},
	{22050, 24000, 16000, 0},
	{11025, 12000, 8000, 0},
}

// ErrNoFrame is returned when no MPEG frame sync is found near the start.
var ErrNoFrame = errors.New("no valid MPEG frame found")

// ProbeMP3 reads the first frame header of the file at path.
func ProbeMP3(path string) (*MP3Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return probeMP3(f, stat.Size())
}

func probeMP3(r io.ReadSeeker, size int64) (*MP3Info, error) {
	var header [10]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	offset := int64(0)
	if string(header[:3]) == "ID3" {
		// synchsafe size, 7 bits per byte
		tagSize := int64(header[6])<<21 | int64(header[7])<<14 | int64(header[8])<<7 | int64(header[9])
		offset = 10 + tagSize
	}
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	buf := make([]byte, 8192)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	buf = buf[:n]

	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] != 0xFF || buf[i+1]&0xE0 != 0xE0 {
			continue
		}
		info, ok := parseFrameHeader(binary.BigEndian.Uint32(buf[i : i+4]))
		if !ok {
			continue
		}
		audio := size - offset - int64(i)
		info.Duration = float64(audio*8) / float64(info.Bitrate)
		return info, nil
	}
	return nil, ErrNoFrame
}

func parseFrameHeader(hdr uint32) (*MP3Info, bool) {
	versionBits := (hdr >> 19) & 0x03
	layerBits := (hdr >> 17) & 0x03
	bitrateIdx := (hdr >> 12) & 0x0F
	sampleIdx := (hdr >> 10) & 0x03

	if bitrateIdx == 0 || bitrateIdx == 15 || sampleIdx == 3 || layerBits == 0 {
		return nil, false
	}

	var versionIdx, sampleVersion int
	switch versionBits {
	case 3:
		versionIdx, sampleVersion = 0, 0
	case 2:
		versionIdx, sampleVersion = 1, 1
	case 0:
		versionIdx, sampleVersion = 1, 2
	default:
		return nil, false
	}
	// layer bits: 3=I 2=II 1=III
	layerIdx := 3 - int(layerBits)

	bitrate := bitrateTable[versionIdx][layerIdx][bitrateIdx] * 1000
	sampleRate := sampleRateTable[sampleVersion][sampleIdx]
	if bitrate == 0 || sampleRate == 0 {
		return nil, false
	}
	return &MP3Info{Bitrate: bitrate, SampleRate: sampleRate}, true
}
