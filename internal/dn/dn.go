// Package dn implements the X.500 DistinguishedName: an ordered RDN list
// with ISO-3166 validation, RFC 4514 string I/O and substring comparison,
// as used by the certificate store and validator.
package dn

import (
	"strings"
)

// priority gives the X.500 sort order for the well-known attribute types;
// lower sorts first. Unknown OIDs get a synthetic id offset by 10000 and
// are appended preserving their wire order, so they always sort after
// every well-known attribute and relative to each other in arrival order.
var priority = map[string]int{
	"c":  0,
	"st": 1,
	"l":  2,
	"o":  3,
	"ou": 4,
	"cn": 5,
}

const syntheticBase = 10000

// StringEncoding identifies how an RDN value was (or will be) encoded on
// the wire, selected by content per spec.md §4.4.
type StringEncoding int

const (
	EncodingPrintable StringEncoding = iota
	EncodingIA5
	EncodingUTF8
	EncodingT61
)

// isoCountryCodes is the set of valid ISO-3166-1 alpha-2 codes. It is not
// exhaustive of every assigned code in history, but covers the codes a
// certificate's countryName attribute is expected to carry; entries are
// kept because the DN validator must reject a clearly-invalid code rather
// than silently accept it.
var isoCountryCodes = buildISOSet()

func buildISOSet() map[string]bool {
	codes := strings.Fields(`
		AD AE AF AG AI AL AM AO AQ AR AS AT AU AW AX AZ BA BB BD BE BF BG BH BI
		BJ BL BM BN BO BQ BR BS BT BV BW BY BZ CA CC CD CF CG CH CI CK CL CM
		CN CO CR CU CV CW CX CY CZ DE DJ DK DM DO DZ EC EE EG EH ER ES ET FI
		FJ FK FM FO FR GA GB GD GE GF GG GH GI GL GM GN GP GQ GR GS GT GU GW
		GY HK HM HN HR HT HU ID IE IL IM IN IO IQ IR IS IT JE JM JO JP KE KG
		KH KI KM KN KP KR KW KY KZ LA LB LC LI LK LR LS LT LU LV LY MA MC MD
		ME MF MG MH MK ML MM MN MO MP MQ MR MS MT MU MV MW MX MY MZ NA NC NE
		NF NG NI NL NO NP NR NU NZ OM PA PE PF PG PH PK PL PM PN PR PS PT PW
		PY QA RE RO RS RU RW SA SB SC SD SE SG SH SI SJ SK SL SM SN SO SR SS
		ST SV SX SY SZ TC TD TF TG TH TJ TK TL TM TN TO TR TT TV TW TZ UA UG
		US UY UZ VA VC VE VG VI VN VU WF WS YE YT ZA ZM ZW
	`)
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// RDN is one relative distinguished name component: a single
// attribute-type/value pair (multi-valued RDNs are represented as
// consecutive RDN entries; an RDN does not record which entries belong
// to the same multi-valued RDN).
type RDN struct {
	Type     string // short name ("c", "cn", ...) or dotted OID for unknown types
	Value    string
	Encoding StringEncoding
	Raw      []byte // preserved encoded bytes, verbatim, for signature purposes
}

func (r RDN) sortKey() int {
	if p, ok := priority[strings.ToLower(r.Type)]; ok {
		return p
	}
	return syntheticBase
}

// Name is an ordered list of RDNs making up a distinguished name.
type Name struct {
	RDNs []RDN
}

// Add appends an RDN, canonicalizing known quirks (country-code "UK" to
// "GB") and selecting a string encoding by content, then re-sorts the
// known-attribute prefix into X.500 order while preserving the relative
// wire order of any synthetic (unknown-OID) attributes.
func (n *Name) Add(typ, value string) {
	lt := strings.ToLower(typ)
	if lt == "c" && strings.EqualFold(value, "UK") {
		value = "GB"
	}
	enc := selectEncoding(lt, value)
	n.RDNs = append(n.RDNs, RDN{Type: typ, Value: value, Encoding: enc})
	n.resort()
}

// AddRaw appends an RDN with its original encoded bytes preserved, for use
// by the certificate reader which must not alter what was signed.
func (n *Name) AddRaw(typ, value string, enc StringEncoding, raw []byte) {
	if strings.EqualFold(typ, "c") && strings.EqualFold(value, "UK") {
		value = "GB"
	}
	n.RDNs = append(n.RDNs, RDN{Type: typ, Value: value, Encoding: enc, Raw: raw})
	n.resort()
}

// resort performs a stable sort of the known-priority attributes by their
// X.500 priority, leaving synthetic (unknown) attributes in their original
// relative order at the tail, per spec.md §4.4.
func (n *Name) resort() {
	known := n.RDNs[:0:0]
	unknown := []RDN{}
	for _, r := range n.RDNs {
		if _, ok := priority[strings.ToLower(r.Type)]; ok {
			known = append(known, r)
		} else {
			unknown = append(unknown, r)
		}
	}
	stableSortByKey(known)
	n.RDNs = append(known, unknown...)
}

func stableSortByKey(rdns []RDN) {
	// insertion sort: stable, and these lists are always tiny (a handful
	// of RDNs per certificate name).
	for i := 1; i < len(rdns); i++ {
		j := i
		for j > 0 && rdns[j-1].sortKey() > rdns[j].sortKey() {
			rdns[j-1], rdns[j] = rdns[j], rdns[j-1]
			j--
		}
	}
}

// selectEncoding picks PrintableString when the content is fully
// printable; for ASCII content with characters outside PrintableString's
// range, IA5String, or T61String when the attribute type forbids IA5; and
// UTF8String for non-ASCII content whatever the attribute type.
func selectEncoding(lowerType, value string) StringEncoding {
	if isPrintableString(value) {
		return EncodingPrintable
	}
	if isASCII(value) {
		if forbidsIA5(lowerType) {
			return EncodingT61
		}
		return EncodingIA5
	}
	return EncodingUTF8
}

// forbidsIA5OIDs lists the few attribute types whose ASN.1 module pins
// them to non-IA5 string types (historically emailAddress and a handful
// of PKCS#9 attributes); everything else may use IA5 for ASCII content
// outside PrintableString's range.
var forbidsIA5OIDs = map[string]bool{
	"emailaddress": true,
}

func forbidsIA5(lowerType string) bool {
	return forbidsIA5OIDs[lowerType]
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

// isPrintableString reports whether s uses only the PrintableString
// character set.
func isPrintableString(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case strings.IndexByte(" '()+,-./:=?", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// ValidCountryCode reports whether code is a known ISO-3166-1 alpha-2
// code. Validation happens on insert in higher layers; this is exposed so
// the certificate reader can reject malformed countryName attributes.
func ValidCountryCode(code string) bool {
	return isoCountryCodes[strings.ToUpper(code)]
}

// String renders the name in RFC 4514 string syntax in the Name's own
// order (root-most RDN such as the country first, common name last),
// comma-separated, with "=" joining type and value.
func (n *Name) String() string {
	parts := make([]string, len(n.RDNs))
	for i, r := range n.RDNs {
		parts[i] = r.Type + "=" + escapeRFC4514(r.Value)
	}
	return strings.Join(parts, ",")
}

func escapeRFC4514(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch c {
		case ',', '+', '"', '\\', '<', '>', ';':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	s := b.String()
	if strings.HasPrefix(s, " ") || strings.HasPrefix(s, "#") {
		s = "\\" + s
	}
	if strings.HasSuffix(s, " ") && !strings.HasSuffix(s, "\\ ") {
		s = s[:len(s)-1] + "\\ "
	}
	return s
}

// Parse reads an RFC 4514 string into a Name. Malformed escape sequences
// are left as-is rather than rejected; the certificate reader is the
// place that enforces strictness on untrusted wire data.
func Parse(text string) *Name {
	n := &Name{}
	for _, comp := range splitUnescaped(text, ',') {
		eq := strings.IndexByte(comp, '=')
		if eq < 0 {
			continue
		}
		typ := strings.TrimSpace(comp[:eq])
		val := unescapeRFC4514(strings.TrimSpace(comp[eq+1:]))
		n.Add(typ, val)
	}
	return n
}

func splitUnescaped(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			cur.WriteByte(c)
			escaped = true
			continue
		}
		if c == sep {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	parts = append(parts, cur.String())
	return parts
}

func unescapeRFC4514(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			b.WriteByte(s[i])
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Equal reports byte-equality of the two names' serialized RFC 4514
// forms, the "byte-equal after collapsing the serialized form" rule of
// spec.md §4.4.
func Equal(a, b *Name) bool {
	return a.String() == b.String()
}

// CompareSubstring walks RDNs in order, root-most first (our internal
// order places country/org/unit ahead of cn, per the priority table), and
// reports a match when the shorter DN's RDN sequence is a prefix of the
// longer one's — "the shorter DN ends where it does" per spec.md §4.4:
// the shorter name's last RDN coincides with where it stops along the
// longer name's root-to-leaf walk.
func CompareSubstring(a, b *Name) bool {
	short, long := a, b
	if len(short.RDNs) > len(long.RDNs) {
		short, long = long, short
	}
	for i, r := range short.RDNs {
		lr := long.RDNs[i]
		if !strings.EqualFold(r.Type, lr.Type) || r.Value != lr.Value {
			return false
		}
	}
	return true
}
