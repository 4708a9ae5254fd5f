package logging

import (
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

// CharsetFromContentType returns the charset parameter of a Content-Type value, or "".
func CharsetFromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// DecodeText renders a body as text for logging. It never fails: a known charset is
// decoded to UTF-8, and anything that is still not valid UTF-8 is decoded lossily.
func DecodeText(b []byte, charset string) string {
	if len(b) == 0 {
		return ""
	}

	cs := strings.ToLower(strings.TrimSpace(charset))
	if cs != "" && cs != "utf-8" && cs != "utf8" {
		if enc, err := htmlindex.Get(cs); err == nil {
			if decoded, err := enc.NewDecoder().Bytes(b); err == nil {
				b = decoded
			}
		}
	}

	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
