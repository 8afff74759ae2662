package codec

import (
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
)

func isUTF8(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return n == "" || n == "utf-8" || n == "utf8"
}

// DecodeCharset converts body from the named charset to UTF-8
func DecodeCharset(body []byte, name string) ([]byte, error) {
	if isUTF8(name) {
		return body, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, gwerrors.NewCodecError(fmt.Sprintf("unknown charset %q", name), err)
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, gwerrors.NewCodecError(fmt.Sprintf("decode %s body", name), err)
	}
	return out, nil
}

// EncodeCharset converts a UTF-8 body to the named charset
func EncodeCharset(body []byte, name string) ([]byte, error) {
	if isUTF8(name) {
		return body, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, gwerrors.NewCodecError(fmt.Sprintf("unknown charset %q", name), err)
	}
	out, err := enc.NewEncoder().Bytes(body)
	if err != nil {
		return nil, gwerrors.NewCodecError(fmt.Sprintf("encode %s body", name), err)
	}
	return out, nil
}

// CharsetFromContentType extracts the charset parameter of a Content-Type header
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

// charsetReader lets encoding/xml read documents declared in legacy encodings
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	if isUTF8(label) {
		return input, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, err
	}
	return enc.NewDecoder().Reader(input), nil
}
