package provider

import (
	"encoding/base64"
	"net/http"
	"strings"
)

const defaultImageType = "image/png"

// ImageMediaType sniffs the media type of a base64 image payload, falling
// back to image/png when the bytes are not a recognizable image.
func ImageMediaType(b64 string) string {
	head := b64
	if len(head) > 512 {
		head = head[:512]
	}
	head = head[:len(head)/4*4]
	raw, err := base64.StdEncoding.DecodeString(head)
	if err != nil || len(raw) == 0 {
		return defaultImageType
	}
	mt := http.DetectContentType(raw)
	if !strings.HasPrefix(mt, "image/") {
		return defaultImageType
	}
	return mt
}

// DataURL wraps a base64 image in a data: URL.
func DataURL(b64 string) string {
	return "data:" + ImageMediaType(b64) + ";base64," + b64
}
