package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrPayloadTooLarge is returned before encryption for oversized attachments.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidImage is returned for data that is not a supported image.
	ErrInvalidImage = errors.New("invalid image")
)

// MaxImageBytes is the largest raw image a client will send.
const MaxImageBytes = 500 * 1024

// Image is a validated image attachment
type Image struct {
	MIME string
	Data []byte
}

// imagePayload is the plaintext form of an image: a data URL split into
// its header ("data:image/png;base64,") and base64 body.
type imagePayload struct {
	Header string `json:"header"`
	Base64 string `json:"base64"`
}

// NewImage checks size and sniffs the MIME type of raw image bytes.
func NewImage(data []byte) (Image, error) {
	if len(data) > MaxImageBytes {
		return Image{}, fmt.Errorf("%w: %d KB exceeds the %d KB limit", ErrPayloadTooLarge, len(data)/1024, MaxImageBytes/1024)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty file", ErrInvalidImage)
	}

	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return Image{}, fmt.Errorf("%w: detected %s", ErrInvalidImage, mime)
	}
	return Image{MIME: mime, Data: data}, nil
}

// Marshal returns the plaintext JSON that is encrypted for each recipient.
func (img Image) Marshal() ([]byte, error) {
	return json.Marshal(imagePayload{
		Header: "data:" + img.MIME + ";base64,",
		Base64: base64.StdEncoding.EncodeToString(img.Data),
	})
}

// DataURL returns the image as a data URL.
func (img Image) DataURL() string {
	return "data:" + img.MIME + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// ParseImage decodes and validates a decrypted image payload.
func ParseImage(plaintext []byte) (Image, error) {
	var p imagePayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	mime, ok := strings.CutPrefix(p.Header, "data:")
	if !ok {
		return Image{}, fmt.Errorf("%w: header %q is not a data URL", ErrInvalidImage, p.Header)
	}
	mime, ok = strings.CutSuffix(mime, ";base64,")
	if !ok || !strings.HasPrefix(mime, "image/") {
		return Image{}, fmt.Errorf("%w: header %q", ErrInvalidImage, p.Header)
	}

	data, err := base64.StdEncoding.DecodeString(p.Base64)
	if err != nil {
		return Image{}, fmt.Errorf("%w: body is not base64", ErrInvalidImage)
	}
	if len(data) > MaxImageBytes {
		return Image{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	return Image{MIME: mime, Data: data}, nil
}
