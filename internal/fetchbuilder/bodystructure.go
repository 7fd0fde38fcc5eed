package fetchbuilder

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BuildBodyStructure renders msg's BODYSTRUCTURE, recursing through the
// already-parsed Part tree rather than re-scanning raw bytes at each
// level: a multipart message's BODYSTRUCTURE is the parenthesized list of
// its children's structures followed by its subtype, per RFC 3501 §7.4.2.
func BuildBodyStructure(msg *Part) string {
	return "BODYSTRUCTURE " + buildStructure(msg)
}

func buildStructure(p *Part) string {
	if p.IsMultipart() {
		var children []string
		for _, c := range p.Children {
			children = append(children, buildStructure(c))
		}
		return fmt.Sprintf("(%s %s)", strings.Join(children, ""), quoteOrNIL(strings.ToUpper(p.SubType)))
	}

	mainType := strings.ToUpper(p.MainType)
	subType := strings.ToUpper(p.SubType)
	paramList := buildParamList(p.Params)
	contentID := p.Header.Get("Content-Id")
	contentDesc := p.Header.Get("Content-Description")
	encoding := p.Header.Get("Content-Transfer-Encoding")
	if encoding == "" {
		encoding = "7BIT"
	}
	encoding = strings.ToUpper(encoding)
	size := len(p.RawBody)

	if mainType == "TEXT" {
		lines := strings.Count(string(p.RawBody), "\n")
		return fmt.Sprintf("(%s %s %s %s %s %s %d %d)",
			quoteOrNIL(mainType), quoteOrNIL(subType), paramList,
			quoteOrNIL(contentID), quoteOrNIL(contentDesc), quoteOrNIL(encoding),
			size, lines)
	}

	if p.IsMessageRFC822() {
		inner, err := ParsePart(p.RawBody)
		if err == nil {
			lines := strings.Count(string(p.RawBody), "\n")
			return fmt.Sprintf("(%s %s %s %s %s %s %d %s %s %d)",
				quoteOrNIL(mainType), quoteOrNIL(subType), paramList,
				quoteOrNIL(contentID), quoteOrNIL(contentDesc), quoteOrNIL(encoding),
				size, BuildEnvelope(inner), buildStructure(inner), lines)
		}
	}

	return fmt.Sprintf("(%s %s %s %s %s %s %d)",
		quoteOrNIL(mainType), quoteOrNIL(subType), paramList,
		quoteOrNIL(contentID), quoteOrNIL(contentDesc), quoteOrNIL(encoding),
		size)
}

// buildParamList renders a MIME parameter map as an IMAP
// ("name" "value" "name" "value" ...) list, sorted by name so output is
// deterministic, or NIL when there are none.
func buildParamList(params map[string]string) string {
	if len(params) == 0 {
		return "NIL"
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var parts []string
	for _, k := range names {
		parts = append(parts, quoteOrNIL(strings.ToUpper(k)), quoteOrNIL(params[k]))
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// sectionLabel renders a part path like []int{2,1} as the dotted string
// FETCH responses and logging use ("2.1"), matching the wire syntax
// ParseSection accepts.
func sectionLabel(path []int) string {
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}
