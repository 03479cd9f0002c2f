// Package textenc converts UTF-8 text into the byte encoding expected by the remote list API.
//
// Conversion is lossy by contract: characters the target encoding cannot represent,
// and malformed UTF-8 input, become Replacement and are counted instead of failing.
package textenc

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
)

// Replacement is written in place of every character that cannot be encoded.
const Replacement = '?'

// Encoding is a target byte encoding. The zero value is UTF-8.
type Encoding struct {
	name string
	enc  encoding.Encoding
}

var UTF8 = Encoding{name: "utf-8"}

var registry = map[string]encoding.Encoding{
	"utf-8":       nil,
	"utf8":        nil,
	"shift_jis":   japanese.ShiftJIS,
	"shift-jis":   japanese.ShiftJIS,
	"sjis":        japanese.ShiftJIS,
	"cp932":       japanese.ShiftJIS,
	"windows-31j": japanese.ShiftJIS,
	"euc-jp":      japanese.EUCJP,
	"eucjp":       japanese.EUCJP,
}

// Lookup resolves a config encoding name (case-insensitive).
func Lookup(name string) (Encoding, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	enc, ok := registry[key]
	if !ok {
		return Encoding{}, fmt.Errorf("unsupported encoding %q", name)
	}
	return Encoding{name: key, enc: enc}, nil
}

func (e Encoding) Name() string {
	if e.name == "" {
		return UTF8.name
	}
	return e.name
}

func (e Encoding) IsUTF8() bool {
	return e.enc == nil
}

// Encode converts s to the target encoding and reports how many characters were replaced.
// For UTF-8 targets only malformed sequences are replaced.
func (e Encoding) Encode(s string) ([]byte, int) {
	if utf8.ValidString(s) {
		if e.enc == nil {
			return []byte(s), 0
		}
		if out, err := e.enc.NewEncoder().Bytes([]byte(s)); err == nil {
			return out, 0
		}
	}
	return e.encodeSlow(s)
}

// EncodeString is Encode for callers that embed the result in form values.
func (e Encoding) EncodeString(s string) (string, int) {
	b, n := e.Encode(s)
	return string(b), n
}

func (e Encoding) encodeSlow(s string) ([]byte, int) {
	var enc *encoding.Encoder
	if e.enc != nil {
		enc = e.enc.NewEncoder()
	}
	out := make([]byte, 0, len(s))
	replaced := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		chunk := s[i : i+size]
		i += size
		if r == utf8.RuneError && size == 1 {
			out = append(out, Replacement)
			replaced++
			continue
		}
		if enc == nil || r < utf8.RuneSelf {
			out = append(out, chunk...)
			continue
		}
		b, err := enc.Bytes([]byte(chunk))
		if err != nil {
			out = append(out, Replacement)
			replaced++
			continue
		}
		out = append(out, b...)
	}
	return out, replaced
}

// Decode turns a remote response body into text. Valid UTF-8 is returned as is;
// anything else is decoded from the target encoding, replacing undecodable bytes.
func (e Encoding) Decode(b []byte) string {
	if utf8.Valid(b) || e.enc == nil {
		return strings.ToValidUTF8(string(b), string(utf8.RuneError))
	}
	out, err := e.enc.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), string(utf8.RuneError))
	}
	return string(out)
}
