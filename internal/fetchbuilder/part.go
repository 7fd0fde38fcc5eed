// Package fetchbuilder parses a raw RFC 822/MIME message into a part
// tree and renders the pieces a FETCH command can ask for: whole
// message, a MIME part's header/text/body, HEADER.FIELDS subsets,
// ENVELOPE and BODYSTRUCTURE. It replaces ad hoc per-request string
// scanning with one recursive parse, so a section descriptor like
// "2.1.HEADER.FIELDS (SUBJECT)" addresses the same tree BODYSTRUCTURE
// describes.
package fetchbuilder

import (
	"bufio"
	"bytes"
	"mime"
	"net/textproto"
	"strings"
)

// Part is one node of a parsed message's MIME tree: the top-level
// message for a non-multipart mail, or one SEQUENCE entry's tree for a
// multipart one. Leaf parts carry RawBody; multipart parts carry
// Children as well, and RawBody is their whole undecoded body, preamble
// and epilogue included.
type Part struct {
	Header   textproto.MIMEHeader
	RawHeader []byte
	RawBody   []byte // undecoded: exactly the bytes that followed the header on the wire
	MainType  string
	SubType   string
	Params    map[string]string
	Children  []*Part
}

// IsMultipart reports whether this part has children instead of a leaf body.
func (p *Part) IsMultipart() bool {
	return strings.EqualFold(p.MainType, "multipart")
}

// IsMessageRFC822 reports whether this part's body is itself a MIME
// message (message/rfc822), which FETCH addresses by descending one more
// level without a part-number increment.
func (p *Part) IsMessageRFC822() bool {
	return strings.EqualFold(p.MainType, "message") && strings.EqualFold(p.SubType, "rfc822")
}

// ParsePart parses raw as one MIME entity, recursing into multipart
// children. Malformed or missing Content-Type defaults to text/plain;
// us-ascii, matching RFC 2045 §5.2's default.
func ParsePart(raw []byte) (*Part, error) {
	headerBytes, bodyBytes := splitHeaderBody(raw)
	header, err := parseHeaderBytes(headerBytes)
	if err != nil {
		return nil, err
	}

	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
		params = map[string]string{"charset": "us-ascii"}
	}
	mainType, subType := "text", "plain"
	if i := strings.IndexByte(mediaType, '/'); i >= 0 {
		mainType, subType = mediaType[:i], mediaType[i+1:]
	} else {
		mainType, subType = mediaType, ""
	}

	part := &Part{
		Header:    header,
		RawHeader: headerBytes,
		RawBody:   bodyBytes,
		MainType:  mainType,
		SubType:   subType,
		Params:    params,
	}

	if strings.EqualFold(mainType, "multipart") {
		boundary := params["boundary"]
		if boundary == "" {
			return part, nil // malformed multipart with no boundary: treat as opaque leaf
		}
		segments := splitMultipart(bodyBytes, boundary)
		for _, seg := range segments {
			child, err := ParsePart(seg)
			if err != nil {
				return nil, err
			}
			part.Children = append(part.Children, child)
		}
	}

	return part, nil
}

// splitHeaderBody finds the first blank line (the header/body boundary
// per RFC 5322 §2.1) and returns the bytes on either side of it,
// excluding the blank line itself.
func splitHeaderBody(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i], raw[i+2:]
	}
	return raw, nil
}

func parseHeaderBytes(headerBytes []byte) (textproto.MIMEHeader, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(headerBytes, "\r\n\r\n"...))))
	return r.ReadMIMEHeader()
}

// splitMultipart breaks body into the raw bytes of each part between
// "--boundary" delimiter lines, per RFC 2046 §5.1.1. The preamble (before
// the first delimiter) and epilogue (after the closing "--boundary--")
// are discarded; they carry no addressable content.
func splitMultipart(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)
	var segments [][]byte

	lines := bytes.Split(body, []byte("\n"))
	var current []byte
	inPart := false
	for _, line := range lines {
		trimmed := bytes.TrimRight(line, "\r")
		if bytes.Equal(trimmed, delim) || bytes.Equal(trimmed, append(delim, '-', '-')) {
			if inPart {
				segments = append(segments, trimTrailingNewline(current))
			}
			current = nil
			if bytes.HasSuffix(trimmed, []byte("--")) {
				break // closing delimiter
			}
			inPart = true
			continue
		}
		if inPart {
			current = append(current, line...)
			current = append(current, '\n')
		}
	}
	return segments
}

func trimTrailingNewline(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return b
}

// Locate walks a 1-based MIME part path ([]int{2,1} for "2.1") from p and
// returns the addressed part. An empty path returns p itself. Locating
// into a non-multipart part with a non-empty remaining path fails, except
// for message/rfc822 bodies, which Locate transparently parses and
// descends into — FETCH addresses an embedded message's own part tree
// with the same numbering it would use if that message were top-level.
func (p *Part) Locate(path []int) (*Part, error) {
	if len(path) == 0 {
		return p, nil
	}
	if p.IsMessageRFC822() {
		inner, err := ParsePart(p.RawBody)
		if err != nil {
			return nil, err
		}
		return inner.Locate(path)
	}
	if !p.IsMultipart() {
		return nil, ErrNoSuchPart
	}
	idx := path[0]
	if idx < 1 || idx > len(p.Children) {
		return nil, ErrNoSuchPart
	}
	return p.Children[idx-1].Locate(path[1:])
}
