package formula

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mathimport/internal/model"
	appErr "github.com/xxxsen/mathimport/internal/pkg/errors"
)

func placeableWMF(width, height, inch int16) []byte {
	data := make([]byte, 40)
	binary.LittleEndian.PutUint32(data[0:4], placeableMagic)
	binary.LittleEndian.PutUint16(data[10:12], uint16(width))
	binary.LittleEndian.PutUint16(data[12:14], uint16(height))
	binary.LittleEndian.PutUint16(data[14:16], uint16(inch))
	binary.LittleEndian.PutUint16(data[22:24], 1)
	binary.LittleEndian.PutUint16(data[24:26], 9)
	return data
}

func emfHeader(frameW, frameH int32) []byte {
	data := make([]byte, 88)
	binary.LittleEndian.PutUint32(data[0:4], 1)
	binary.LittleEndian.PutUint32(data[32:36], uint32(frameW))
	binary.LittleEndian.PutUint32(data[36:40], uint32(frameH))
	binary.LittleEndian.PutUint32(data[40:44], emfSignature)
	return data
}

func TestProbe(t *testing.T) {
	info, err := Probe(placeableWMF(1440, 720, 1440))
	require.NoError(t, err)
	require.Equal(t, FormatWMF, info.Format)
	require.Equal(t, 96, info.WidthPx)
	require.Equal(t, 48, info.HeightPx)
	require.Equal(t, ".wmf", info.Ext())

	info, err = Probe(emfHeader(2540, 1270))
	require.NoError(t, err)
	require.Equal(t, FormatEMF, info.Format)
	require.Equal(t, 96, info.WidthPx)
	require.Equal(t, 48, info.HeightPx)

	plain := make([]byte, 18)
	binary.LittleEndian.PutUint16(plain[0:2], 1)
	binary.LittleEndian.PutUint16(plain[2:4], 9)
	info, err = Probe(plain)
	require.NoError(t, err)
	require.Equal(t, FormatWMF, info.Format)
	require.Zero(t, info.WidthPx)

	_, err = Probe([]byte("\x89PNG\r\n\x1a\n0000000000000000000000"))
	require.ErrorIs(t, err, ErrUnsupportedVector)
	_, err = Probe(nil)
	require.ErrorIs(t, err, ErrUnsupportedVector)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "x^2+1", want: "x^2+1"},
		{name: "inline dollars", in: " $x^2$ ", want: "x^2"},
		{name: "display dollars", in: "$$\\frac{1}{2}$$", want: `\frac{1}{2}`},
		{name: "bracket delimiters", in: `\[ a+b \]`, want: "a+b"},
		{name: "code fence", in: "```latex\nx=\\sqrt{2}\n```", want: `x=\sqrt{2}`},
		{name: "doubled operators", in: `a\pm\pm b\cdot\cdot c`, want: `a\pm b\cdot c`},
		{name: "bare sqrt digit", in: `\sqrt3+\sqrt{2}`, want: `\sqrt{3}+\sqrt{2}`},
		{name: "duplicate right", in: `\left(x+1\right)\right)`, want: `\left(x+1\right)`},
		{name: "orphan right before operator", in: `\left(a\right)\right)+b`, want: `\left(a\right)+b`},
		{name: "orphan right before equals", in: `a\right)=b`, want: `a=b`},
		{name: "balanced untouched", in: `\left[x\right]`, want: `\left[x\right]`},
		{name: "empty", in: "  $$ $$ ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestTrimWhitespace(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 50; x++ {
			img.Set(x, y, color.White)
		}
	}
	for y := 10; y < 15; y++ {
		for x := 20; x < 30; x++ {
			img.Set(x, y, color.Black)
		}
	}
	out, err := TrimWhitespace(encodePNG(t, img), 2)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 14, decoded.Bounds().Dx())
	require.Equal(t, 9, decoded.Bounds().Dy())
	r, g, b, _ := decoded.At(0, 0).RGBA()
	require.Equal(t, uint32(0xffff), r&g&b)
	r, _, _, _ = decoded.At(2, 2).RGBA()
	require.Zero(t, r)

	blank := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			blank.Set(x, y, color.White)
		}
	}
	raw := encodePNG(t, blank)
	out, err = TrimWhitespace(raw, 2)
	require.NoError(t, err)
	require.Equal(t, raw, out)

	_, err = TrimWhitespace([]byte("not an image"), 2)
	require.Error(t, err)
}

type fakeRasterizer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, data []byte, ext string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("png:"+ext+":"), data[:4]...), nil
}

type fakeRecognizer struct {
	latex string
	err   error
	delay time.Duration
	seen  []byte
}

func (f *fakeRecognizer) Recognize(ctx context.Context, img []byte, mimeType string) (string, error) {
	f.seen = img
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.latex, f.err
}

func formulaSegment(data []byte) model.Segment {
	return model.Segment{
		Index:       1,
		Kind:        model.KindFormulaImage,
		Data:        data,
		Name:        "word/media/image1.wmf",
		ContentType: "image/x-wmf",
	}
}

func TestConvertRecognized(t *testing.T) {
	raster := &fakeRasterizer{}
	rec := &fakeRecognizer{latex: "$f(x)=x^2$"}
	conv := NewConverter(rec, raster, time.Second)

	res, err := conv.Convert(context.Background(), formulaSegment(placeableWMF(100, 50, 1440)))
	require.NoError(t, err)
	require.Equal(t, model.StatusConverted, res.Status)
	require.Equal(t, "f(x)=x^2", res.Latex)
	require.Equal(t, 1, res.SegmentIndex)
	require.Nil(t, res.Fallback)
	require.True(t, bytes.HasPrefix(rec.seen, []byte("png:.wmf:")))
	require.NoError(t, res.Validate(model.KindFormulaImage))
}

func TestConvertFallsBack(t *testing.T) {
	wmf := placeableWMF(100, 50, 1440)
	tests := []struct {
		name       string
		rec        Recognizer
		raster     *fakeRasterizer
		data       []byte
		wantRaster bool
	}{
		{name: "recognition error", rec: &fakeRecognizer{err: errors.New("boom")}, raster: &fakeRasterizer{}, data: wmf, wantRaster: true},
		{name: "recognition timeout", rec: &fakeRecognizer{latex: "x", delay: time.Second}, raster: &fakeRasterizer{}, data: wmf, wantRaster: true},
		{name: "empty latex", rec: &fakeRecognizer{latex: "$$ $$"}, raster: &fakeRasterizer{}, data: wmf, wantRaster: true},
		{name: "no recognizer", rec: nil, raster: &fakeRasterizer{}, data: wmf, wantRaster: true},
		{name: "rasterize failure", rec: &fakeRecognizer{latex: "x"}, raster: &fakeRasterizer{err: errors.New("no magick")}, data: wmf},
		{name: "unsupported sub-format", rec: &fakeRecognizer{latex: "x"}, raster: &fakeRasterizer{}, data: []byte("garbage-bytes-not-a-metafile")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := NewConverter(tt.rec, tt.raster, 50*time.Millisecond)
			res, err := conv.Convert(context.Background(), formulaSegment(tt.data))
			require.NoError(t, err)
			require.Equal(t, model.StatusFallback, res.Status)
			require.Empty(t, res.Latex)
			require.NotNil(t, res.Fallback)
			require.Equal(t, tt.data, res.Fallback.Source)
			require.NotEmpty(t, res.Fallback.Reason)
			if tt.wantRaster {
				require.Equal(t, rasterContentType, res.Fallback.ContentType)
				require.True(t, bytes.HasPrefix(res.Fallback.Data, []byte("png:")))
			} else {
				require.Equal(t, tt.data, res.Fallback.Data)
				require.Equal(t, "image/x-wmf", res.Fallback.ContentType)
			}
			require.NoError(t, res.Validate(model.KindFormulaImage))
		})
	}
}

func TestConvertSkipsRecognizerForUnknownHeader(t *testing.T) {
	raster := &fakeRasterizer{}
	rec := &fakeRecognizer{latex: "x"}
	res, err := NewConverter(rec, raster, time.Second).Convert(context.Background(), formulaSegment([]byte("garbage-bytes-not-a-metafile")))
	require.NoError(t, err)
	require.Equal(t, model.StatusFallback, res.Status)
	require.Nil(t, rec.seen)
	require.Zero(t, raster.calls.Load())
}

func TestConvertMemoizesRaster(t *testing.T) {
	raster := &fakeRasterizer{}
	conv := NewConverter(&fakeRecognizer{err: errors.New("down")}, raster, time.Second)
	seg := formulaSegment(placeableWMF(100, 50, 1440))
	first, err := conv.Convert(context.Background(), seg)
	require.NoError(t, err)
	second, err := conv.Convert(context.Background(), seg)
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.Fallback.Data, second.Fallback.Data)
	require.Equal(t, int32(1), raster.calls.Load())
}

func TestConvertRejectsOtherKinds(t *testing.T) {
	_, err := NewConverter(nil, nil, 0).Convert(context.Background(), model.Segment{Kind: model.KindText, Text: "x"})
	require.ErrorIs(t, err, appErr.ErrInvalid)
}
