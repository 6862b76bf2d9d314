package llm

import (
	"encoding/base64"
	"net/http"
)

// ImageMIME sniffs the MIME type of an encoded page image, defaulting to PNG.
func ImageMIME(img []byte) string {
	switch ct := http.DetectContentType(img); ct {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return ct
	default:
		return "image/png"
	}
}

// DataURL encodes img as a base64 data URL.
func DataURL(img []byte) string {
	return "data:" + ImageMIME(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
}
