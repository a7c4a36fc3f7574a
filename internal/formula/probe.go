package formula

import (
	"encoding/binary"
	"errors"
	"math"
)

type VectorFormat string

const (
	FormatWMF VectorFormat = "wmf"
	FormatEMF VectorFormat = "emf"
)

const (
	placeableMagic = 0x9AC6CDD7
	emfSignature   = 0x464D4520
)

var ErrUnsupportedVector = errors.New("unsupported vector sub-format")

type VectorInfo struct {
	Format   VectorFormat
	WidthPx  int
	HeightPx int
}

func (v VectorInfo) Ext() string {
	return "." + string(v.Format)
}

// Probe identifies a metafile payload and, when the header carries it, its display size at 96 DPI.
func Probe(data []byte) (VectorInfo, error) {
	if len(data) >= 22 && binary.LittleEndian.Uint32(data[0:4]) == placeableMagic {
		info := VectorInfo{Format: FormatWMF}
		left := int16(binary.LittleEndian.Uint16(data[6:8]))
		top := int16(binary.LittleEndian.Uint16(data[8:10]))
		right := int16(binary.LittleEndian.Uint16(data[10:12]))
		bottom := int16(binary.LittleEndian.Uint16(data[12:14]))
		inch := int16(binary.LittleEndian.Uint16(data[14:16]))
		if inch > 0 {
			info.WidthPx = clampPixels(float64(int(right)-int(left)) * 96 / float64(inch))
			info.HeightPx = clampPixels(float64(int(bottom)-int(top)) * 96 / float64(inch))
		}
		return info, nil
	}
	if len(data) >= 44 && binary.LittleEndian.Uint32(data[0:4]) == 1 &&
		binary.LittleEndian.Uint32(data[40:44]) == emfSignature {
		// rclFrame is in 0.01 mm units.
		left := int32(binary.LittleEndian.Uint32(data[24:28]))
		top := int32(binary.LittleEndian.Uint32(data[28:32]))
		right := int32(binary.LittleEndian.Uint32(data[32:36]))
		bottom := int32(binary.LittleEndian.Uint32(data[36:40]))
		return VectorInfo{
			Format:   FormatEMF,
			WidthPx:  clampPixels(float64(int64(right)-int64(left)) / 100 / 25.4 * 96),
			HeightPx: clampPixels(float64(int64(bottom)-int64(top)) / 100 / 25.4 * 96),
		}, nil
	}
	if len(data) >= 18 {
		kind := binary.LittleEndian.Uint16(data[0:2])
		headerWords := binary.LittleEndian.Uint16(data[2:4])
		if (kind == 1 || kind == 2) && headerWords == 9 {
			return VectorInfo{Format: FormatWMF}, nil
		}
	}
	return VectorInfo{}, ErrUnsupportedVector
}

func clampPixels(v float64) int {
	if v <= 0 {
		return 0
	}
	px := int(math.Round(v))
	if px < 1 {
		px = 1
	}
	return px
}
