// Package screenshot captures and uploads periodic screen grabs while
// tracking is enabled.
package screenshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"

	kscreenshot "github.com/kbinani/screenshot"
)

// Grabber captures the primary display.
type Grabber interface {
	Capture() (image.Image, error)
}

// NewGrabber returns the platform display grabber.
func NewGrabber() Grabber {
	return displayGrabber{}
}

type displayGrabber struct{}

func (displayGrabber) Capture() (image.Image, error) {
	if kscreenshot.NumActiveDisplays() < 1 {
		return nil, fmt.Errorf("no active displays")
	}
	img, err := kscreenshot.CaptureDisplay(0)
	if err != nil {
		return nil, fmt.Errorf("capture display: %w", err)
	}
	return img, nil
}

// encode compresses img to JPEG at the given quality and returns the bytes
// with their content digest. The digest keys the skip-unchanged check.
func encode(img image.Image, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, "", fmt.Errorf("encode jpeg: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}
