package protocol

import (
	"bytes"
	"errors"
	"testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func fakePNG(size int) []byte {
	data := make([]byte, size)
	copy(data, pngHeader)
	return data
}

func TestNewImage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"small png", fakePNG(1024), nil},
		{"at limit", fakePNG(MaxImageBytes), nil},
		{"600 KB", fakePNG(600 * 1024), ErrPayloadTooLarge},
		{"empty", nil, ErrInvalidImage},
		{"text file", []byte("just some text"), ErrInvalidImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := NewImage(tt.data)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewImage: %v", err)
			}
			if img.MIME != "image/png" {
				t.Errorf("got MIME %q, want image/png", img.MIME)
			}
		})
	}
}

func TestImagePayloadRoundTrip(t *testing.T) {
	img, err := NewImage(fakePNG(2048))
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}

	plaintext, err := img.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Contains(plaintext, []byte(`"header":"data:image/png;base64,"`)) {
		t.Errorf("payload missing data URL header: %s", plaintext)
	}

	parsed, err := ParseImage(plaintext)
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if parsed.MIME != img.MIME || !bytes.Equal(parsed.Data, img.Data) {
		t.Errorf("parsed image differs")
	}
}

func TestParseImageRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `hello`},
		{"not data url", `{"header":"http://x/","base64":"AAAA"}`},
		{"not image", `{"header":"data:text/html;base64,","base64":"AAAA"}`},
		{"bad base64", `{"header":"data:image/png;base64,","base64":"@@@"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseImage([]byte(tt.input)); !errors.Is(err, ErrInvalidImage) {
				t.Errorf("got %v, want ErrInvalidImage", err)
			}
		})
	}
}
