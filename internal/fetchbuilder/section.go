package fetchbuilder

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// ErrNoSuchPart is returned when a section descriptor addresses a MIME
// part number that doesn't exist in the message.
var ErrNoSuchPart = errors.New("fetchbuilder: no such body part")

// ErrBadSection is returned when a section descriptor string doesn't
// parse as a valid BODY[...] specifier.
var ErrBadSection = errors.New("fetchbuilder: malformed section specifier")

// Kind identifies what a section descriptor addresses within a MIME part.
type Kind int

const (
	KindFull            Kind = iota // BODY[n] or BODY[]: the entire part including its own header
	KindHeader                      // BODY[n.HEADER] or BODY[HEADER]: just the part's header
	KindHeaderFields                // BODY[n.HEADER.FIELDS (...)]: only the named headers
	KindHeaderFieldsNot             // BODY[n.HEADER.FIELDS.NOT (...)]: headers other than the named ones
	KindText                        // BODY[n.TEXT] or BODY[TEXT]: just the part's body, no header
	KindMime                        // BODY[n.MIME]: the MIME headers of a part within a multipart parent
)

// Partial is the <start.length> byte-range suffix of a section
// descriptor, e.g. BODY[TEXT]<0.1024>.
type Partial struct {
	Start     int
	Length    int
	HasLength bool
}

// Section is a fully parsed BODY[...]<...> (or RFC822.*) descriptor.
type Section struct {
	Part       []int // MIME part path, empty for the top-level message
	Kind       Kind
	FieldNames []string // set for KindHeaderFields/KindHeaderFieldsNot
	Partial    *Partial
}

// ParseSection parses the text between "BODY[" and the closing "]",
// optionally followed by a <start.length> suffix, e.g.
// "2.1.HEADER.FIELDS (SUBJECT FROM)" or "TEXT" or "".
func ParseSection(spec string) (*Section, error) {
	body := spec
	var partial *Partial
	if i := strings.IndexByte(spec, '<'); i >= 0 {
		if !strings.HasSuffix(spec, ">") {
			return nil, ErrBadSection
		}
		body = spec[:i]
		p, err := parsePartial(spec[i+1 : len(spec)-1])
		if err != nil {
			return nil, err
		}
		partial = p
	}

	sec := &Section{Partial: partial}

	fields, rest, hasFields := cutFieldList(body)
	body = rest

	tokens := strings.Split(body, ".")
	// Consume leading numeric part-path components.
	i := 0
	for i < len(tokens) && isAllDigits(tokens[i]) {
		n, err := strconv.Atoi(tokens[i])
		if err != nil || n < 1 {
			return nil, ErrBadSection
		}
		sec.Part = append(sec.Part, n)
		i++
	}

	remainder := strings.ToUpper(strings.Join(tokens[i:], "."))
	switch remainder {
	case "", "0":
		sec.Kind = KindFull
	case "HEADER":
		sec.Kind = KindHeader
	case "TEXT":
		sec.Kind = KindText
	case "MIME":
		sec.Kind = KindMime
	case "HEADER.FIELDS":
		if !hasFields {
			return nil, ErrBadSection
		}
		sec.Kind = KindHeaderFields
		sec.FieldNames = fields
	case "HEADER.FIELDS.NOT":
		if !hasFields {
			return nil, ErrBadSection
		}
		sec.Kind = KindHeaderFieldsNot
		sec.FieldNames = fields
	default:
		return nil, ErrBadSection
	}
	return sec, nil
}

func cutFieldList(body string) (fields []string, rest string, ok bool) {
	open := strings.IndexByte(body, '(')
	if open < 0 {
		return nil, body, false
	}
	closeIdx := strings.IndexByte(body, ')')
	if closeIdx < open {
		return nil, body, false
	}
	list := strings.TrimSpace(body[open+1 : closeIdx])
	rest = strings.TrimSpace(body[:open])
	if list == "" {
		return []string{}, rest, true
	}
	return strings.Fields(list), rest, true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func parsePartial(s string) (*Partial, error) {
	parts := strings.SplitN(s, ".", 2)
	start, err := strconv.Atoi(parts[0])
	if err != nil || start < 0 {
		return nil, ErrBadSection
	}
	p := &Partial{Start: start}
	if len(parts) == 2 {
		length, err := strconv.Atoi(parts[1])
		if err != nil || length < 0 {
			return nil, ErrBadSection
		}
		p.Length = length
		p.HasLength = true
	}
	return p, nil
}

// Render extracts the bytes a Section addresses from msg and applies the
// partial byte range, if any.
func Render(msg *Part, sec *Section) ([]byte, error) {
	target, err := msg.Locate(sec.Part)
	if err != nil {
		return nil, err
	}

	var out []byte
	switch sec.Kind {
	case KindFull:
		out = append(append([]byte{}, target.RawHeader...), append([]byte("\r\n\r\n"), target.RawBody...)...)
	case KindHeader, KindMime:
		out = append(append([]byte{}, target.RawHeader...), []byte("\r\n\r\n")...)
	case KindText:
		out = append([]byte{}, target.RawBody...)
	case KindHeaderFields:
		out = renderFieldSubset(target.RawHeader, sec.FieldNames, true)
	case KindHeaderFieldsNot:
		out = renderFieldSubset(target.RawHeader, sec.FieldNames, false)
	default:
		return nil, ErrBadSection
	}

	if sec.Partial != nil {
		out = ApplyPartial(out, sec.Partial)
	}
	return out, nil
}

// renderFieldSubset returns the raw header lines (with folding preserved)
// whose field name is (include=true) or is not (include=false) among
// names, terminated by the blank line separating headers from body.
func renderFieldSubset(rawHeader []byte, names []string, include bool) []byte {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToUpper(n)] = true
	}

	var out bytes.Buffer
	lines := bytes.Split(rawHeader, []byte("\n"))
	keeping := false
	for _, line := range lines {
		trimmed := bytes.TrimRight(line, "\r")
		if len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t') {
			if keeping {
				out.Write(line)
				out.WriteByte('\n')
			}
			continue
		}
		colon := bytes.IndexByte(trimmed, ':')
		if colon < 0 {
			keeping = false
			continue
		}
		name := strings.ToUpper(strings.TrimSpace(string(trimmed[:colon])))
		keeping = wanted[name] == include
		if keeping {
			out.Write(line)
			out.WriteByte('\n')
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

// ApplyPartial clamps data to the <start.length> range: an offset at or
// beyond len(data) yields an empty result rather than an error, and a
// requested length extending past the end of data is silently clamped —
// a client asking for more than exists gets what exists, not a protocol
// error, per the FETCH partial-range rules.
func ApplyPartial(data []byte, p *Partial) []byte {
	if p.Start >= len(data) {
		return []byte{}
	}
	end := len(data)
	if p.HasLength && p.Start+p.Length < end {
		end = p.Start + p.Length
	}
	return data[p.Start:end]
}
