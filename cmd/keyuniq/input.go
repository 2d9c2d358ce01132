package main

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/freeeve/keyuniq/internal/keys"
	"github.com/freeeve/keyuniq/internal/unique"
)

// format says how input becomes keys.
type format uint8

const (
	formatHex    format = iota // one hex-encoded key per line
	formatBinary               // raw concatenated keys
	formatInt32                // one decimal int32 per line
	formatLine                 // every line, hashed to 16 bytes
)

func parseFormat(name string) (format, error) {
	switch strings.ToLower(name) {
	case "hex":
		return formatHex, nil
	case "binary", "bin":
		return formatBinary, nil
	case "int32", "int":
		return formatInt32, nil
	case "line", "lines":
		return formatLine, nil
	}
	return 0, fmt.Errorf("unknown input format %q (want hex, binary, int32 or line)", name)
}

// keySize returns the key width for the format. hex and binary keys take
// their width from the --key-size flag.
func (f format) keySize(flagSize int) (int, error) {
	switch f {
	case formatInt32:
		return keys.Int32Size, nil
	case formatLine:
		return keys.HashSize, nil
	}
	if flagSize <= 0 {
		return 0, errors.New("--key-size is required for hex and binary input")
	}
	return flagSize, nil
}

func (f format) compare() unique.Compare {
	if f == formatInt32 {
		return keys.Int32
	}
	return keys.Bytes
}

// appendKey appends the printable form of key to dst.
func (f format) appendKey(dst, key []byte) []byte {
	if f == formatInt32 {
		return strconv.AppendInt(dst, int64(keys.GetInt32(key)), 10)
	}
	return hex.AppendEncode(dst, key)
}

// keyReader decodes keys from an input stream.
type keyReader struct {
	f       format
	keySize int
	br      *bufio.Reader
	sc      *bufio.Scanner
	line    int
}

func newKeyReader(r io.Reader, f format, keySize int) *keyReader {
	kr := &keyReader{f: f, keySize: keySize}
	if f == formatBinary {
		kr.br = bufio.NewReaderSize(r, 1<<20)
		return kr
	}
	kr.sc = bufio.NewScanner(r)
	kr.sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return kr
}

// read fills dst, whose length is a multiple of the key size, and returns
// the number of keys decoded. It returns io.EOF once the input is
// exhausted.
func (kr *keyReader) read(dst []byte) (int, error) {
	if kr.br != nil {
		n, err := io.ReadFull(kr.br, dst)
		keysRead := n / kr.keySize
		switch {
		case err == nil:
			return keysRead, nil
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			if n%kr.keySize != 0 {
				return keysRead, fmt.Errorf("input ends inside a key: %d trailing bytes", n%kr.keySize)
			}
			return keysRead, io.EOF
		default:
			return keysRead, fmt.Errorf("read input: %w", err)
		}
	}

	n := 0
	for off := 0; off < len(dst); {
		if !kr.sc.Scan() {
			if err := kr.sc.Err(); err != nil {
				return n, fmt.Errorf("read input: %w", err)
			}
			return n, io.EOF
		}
		kr.line++
		key := dst[off : off+kr.keySize]
		ok, err := kr.decode(key, kr.sc.Bytes())
		if err != nil {
			return n, fmt.Errorf("line %d: %w", kr.line, err)
		}
		if ok {
			off += kr.keySize
			n++
		}
	}
	return n, nil
}

// decode writes the key for one input line. Blank lines yield no key
// except in line mode.
func (kr *keyReader) decode(key, line []byte) (bool, error) {
	if kr.f == formatLine {
		keys.HashLine(key, line)
		return true, nil
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false, nil
	}
	switch kr.f {
	case formatInt32:
		if err := keys.ParseInt32(key, string(line)); err != nil {
			return false, err
		}
	case formatHex:
		if hex.DecodedLen(len(line)) != kr.keySize {
			return false, fmt.Errorf("hex key %q is not %d bytes", line, kr.keySize)
		}
		if _, err := hex.Decode(key, line); err != nil {
			return false, fmt.Errorf("hex key %q: %w", line, err)
		}
	}
	return true, nil
}
