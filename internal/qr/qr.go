// Package qr bridges QR images and the text payloads exchanged between devices.
package qr

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	qrcodeTerminal "github.com/Baozisoftware/qrcode-terminal-go"
	"github.com/liyue201/goqr"
)

const maxImageBytes = 8 << 20

var (
	ErrNoQRCode      = errors.New("no QR code found in image")
	ErrImageTooLarge = errors.New("QR image too large")
)

// Decode reads an image file and returns the payload of the first QR code in it.
func Decode(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxImageBytes {
		return nil, ErrImageTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return DecodeImage(img)
}

func DecodeImage(img image.Image) ([]byte, error) {
	codes, err := goqr.Recognize(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoQRCode, err)
	}
	for _, code := range codes {
		if payload := bytes.TrimSpace(code.Payload); len(payload) > 0 {
			return append([]byte(nil), payload...), nil
		}
	}
	return nil, ErrNoQRCode
}

// Print renders text as a QR code on the terminal.
func Print(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	qrcodeTerminal.New().Get(text).Print()
}
