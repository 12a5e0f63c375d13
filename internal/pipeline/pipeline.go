package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	// registers the webp decoder
	_ "golang.org/x/image/webp"
)

const jpegQuality = 90

// Format is the export format for processed images.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ParseFormat accepts png, jpeg and the jpg spelling, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Ext returns the file extension for the format, without the dot.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return "png"
}

// FetchError reports a failed image download.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError reports an unsupported or corrupt image payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode image: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// Fetcher downloads remote images. A single attempt per call; retrying is the
// caller's decision.
type Fetcher struct {
	client *http.Client
}

// NewFetcher builds a fetcher whose requests are bounded by timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch performs a GET for url and returns the body bytes. Non-2xx responses
// and transport failures yield a FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	return data, nil
}

// Decode parses image bytes into pixels. PNG, JPEG and WEBP are supported via
// the registered decoders. Returns the detected format name alongside.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	return img, format, nil
}

// ResizeForDisplay scales img proportionally so its longer edge equals maxDim.
// Images already within bounds are returned unchanged; there is no upscaling.
func ResizeForDisplay(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return img
	}

	var newWidth, newHeight int
	if width >= height {
		newWidth = maxDim
		newHeight = int(math.Round(float64(height) * float64(maxDim) / float64(width)))
	} else {
		newHeight = maxDim
		newWidth = int(math.Round(float64(width) * float64(maxDim) / float64(height)))
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	return imaging.Resize(img, newWidth, newHeight, imaging.Lanczos)
}

// Encode serializes img in the requested export format. PNG keeps the alpha
// channel; JPEG has none, so the image is composited onto an opaque white
// canvas first.
func Encode(img image.Image, format Format) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatJPEG:
		bounds := img.Bounds()
		canvas := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
		flattened := imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
		if err := jpeg.Encode(&buf, flattened, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	return buf.Bytes(), nil
}
