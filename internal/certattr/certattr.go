// Package certattr implements the AttributeList: an ordered, doubly-linked
// list of certificate attribute fields (X.509v3 extensions and the PKCS#9 /
// PKCS#10 attribute sets that share the same { oid, critical, value } shape),
// together with an encoding table and a two-pass writer. The reader matches
// each top-level field's OID against the table's FlagIdentifier rows; it
// does not descend into field values or use Nested sub-tables, and the
// writer does not consult the table at all.
package certattr

import (
	"encoding/asn1"
	"errors"
	"fmt"
)

// Flags mirror the FL_* bits of the encoding table row this package is
// grounded on: whether a row continues a multi-row field group, is
// optional, carries a default, repeats as a SET OF, may appear more than
// once, is a pure table anchor with no wire presence, is EXPLICIT-tagged,
// or marks criticality.
type Flags uint16

const (
	FlagMore Flags = 1 << iota
	FlagOptional
	FlagDefault
	FlagSetOf
	FlagMultivalued
	FlagNonencoding
	FlagExplicit
	FlagCritical
	FlagIdentifier
)

// FieldType identifies the ASN.1 shape a row's value takes.
type FieldType int

const (
	FieldSequence FieldType = iota
	FieldSet
	FieldBoolean
	FieldInteger
	FieldOID
	FieldOctetString
	FieldBitString
	FieldGeneralizedTime
	FieldDN
	FieldBlob // uninterpreted bytes; the table's catch-all "don't care" entry
)

// maxStackDepth is the size of the reader's nesting-level stack: 16 levels.
const maxStackDepth = 16

// EncodingRow is one entry of an attribute's encoding table. A field that
// repeats (FlagMore) is represented as consecutive rows; FlagSetOf/Nested
// rows recurse into a sub-table for constructed values (an X.400 address,
// a GeneralName, a policy-qualifier SEQUENCE).
type EncodingRow struct {
	FieldID int
	OID     asn1.ObjectIdentifier // set on FlagIdentifier rows
	Type    FieldType
	Flags   Flags
	Default any
	Nested  []EncodingRow
}

// Attribute is one decoded field: a position in the list, its value bytes
// as they appeared on the wire (or as assembled for writing), and whether
// the certificate's issuer marked it critical.
type Attribute struct {
	FieldID  int
	OID      asn1.ObjectIdentifier
	Critical bool
	Value    []byte

	next, prev *Attribute
}

// Next returns the following attribute in list order, or nil at the tail.
func (a *Attribute) Next() *Attribute { return a.next }

// Prev returns the preceding attribute in list order, or nil at the head.
func (a *Attribute) Prev() *Attribute { return a.prev }

// AttributeList is the ordered, doubly-linked attribute set of a
// certificate or request: order is preserved exactly as read (or as
// appended) so an unmodified certificate re-encodes byte for byte.
type AttributeList struct {
	head, tail *Attribute
	count      int
}

// Len reports the number of attributes in the list.
func (l *AttributeList) Len() int { return l.count }

// Front returns the first attribute, or nil if the list is empty.
func (l *AttributeList) Front() *Attribute { return l.head }

// Back returns the last attribute, or nil if the list is empty.
func (l *AttributeList) Back() *Attribute { return l.tail }

// PushBack appends attr to the end of the list.
func (l *AttributeList) PushBack(attr *Attribute) {
	attr.prev = l.tail
	attr.next = nil
	if l.tail != nil {
		l.tail.next = attr
	} else {
		l.head = attr
	}
	l.tail = attr
	l.count++
}

// Remove unlinks attr from the list. attr must belong to l.
func (l *AttributeList) Remove(attr *Attribute) {
	if attr.prev != nil {
		attr.prev.next = attr.next
	} else {
		l.head = attr.next
	}
	if attr.next != nil {
		attr.next.prev = attr.prev
	} else {
		l.tail = attr.prev
	}
	attr.next, attr.prev = nil, nil
	l.count--
}

// Find returns the first attribute with the given field id, or nil.
func (l *AttributeList) Find(fieldID int) *Attribute {
	for a := l.head; a != nil; a = a.next {
		if a.FieldID == fieldID {
			return a
		}
	}
	return nil
}

// FindOID returns the first attribute whose OID matches oid, or nil.
func (l *AttributeList) FindOID(oid asn1.ObjectIdentifier) *Attribute {
	for a := l.head; a != nil; a = a.next {
		if a.OID.Equal(oid) {
			return a
		}
	}
	return nil
}

var (
	// ErrNotSequence is returned when the outer attribute set isn't a
	// SEQUENCE OF field entries.
	ErrNotSequence = errors.New("certattr: outer value is not a SEQUENCE")
	// ErrTrailingData is returned when bytes remain after the outer SEQUENCE.
	ErrTrailingData = errors.New("certattr: trailing data after attribute set")
	// ErrUnsupportedCritical is returned when a field is marked critical
	// but its OID is not in the reader's table — the reader must refuse
	// to silently ignore a field the issuer said could not be ignored.
	ErrUnsupportedCritical = errors.New("certattr: unsupported critical field")
	// ErrStackOverflow reports input nested deeper than the reader's fixed
	// stack. Read does not descend into field values and never returns it.
	ErrStackOverflow = errors.New("certattr: attribute nests too deeply")
)

type entry struct {
	OID      asn1.ObjectIdentifier `asn1:"optional"`
	Critical bool                  `asn1:"optional,default:false"`
	Value    []byte
}

// Reader decodes a DER-encoded attribute set (an X.509v3 Extensions
// SEQUENCE, or any field set sharing the { oid, critical, value } shape)
// against a table, matching each field's OID to find its FieldID.
type Reader struct {
	table []EncodingRow
	stack [maxStackDepth]int
	depth int
}

// NewReader builds a Reader over the given encoding table, a flat slice of
// FlagIdentifier rows (one per recognized field).
func NewReader(table []EncodingRow) *Reader {
	return &Reader{table: table}
}

// Read decodes der into an AttributeList. A field whose OID the table
// doesn't recognize is kept as an entry with FieldID -1 unless it
// is marked critical, in which case decoding fails: an unrecognized
// critical field must not be silently accepted.
func (r *Reader) Read(der []byte) (*AttributeList, error) {
	var outer asn1.RawValue
	rest, err := asn1.Unmarshal(der, &outer)
	if err != nil {
		return nil, fmt.Errorf("certattr: %w", err)
	}
	if len(rest) != 0 {
		return nil, ErrTrailingData
	}
	if outer.Class != asn1.ClassUniversal || outer.Tag != asn1.TagSequence {
		return nil, ErrNotSequence
	}

	list := &AttributeList{}
	content := outer.Bytes
	for len(content) > 0 {
		var item entry
		rest, err := asn1.Unmarshal(content, &item)
		if err != nil {
			return nil, fmt.Errorf("certattr: field entry: %w", err)
		}
		content = rest

		row := r.findRow(item.OID)
		attr := &Attribute{OID: item.OID, Critical: item.Critical, Value: item.Value}
		if row != nil {
			attr.FieldID = row.FieldID
		} else {
			if item.Critical {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedCritical, item.OID.String())
			}
			attr.FieldID = -1
		}
		list.PushBack(attr)
	}
	return list, nil
}

func (r *Reader) findRow(oid asn1.ObjectIdentifier) *EncodingRow {
	for i := range r.table {
		row := &r.table[i]
		if row.Flags&FlagIdentifier != 0 && row.OID.Equal(oid) {
			return row
		}
	}
	return nil
}

// Writer re-encodes an AttributeList back into a DER attribute set. It
// runs in two passes: the first builds each field's inner TLV bytes and
// totals their length, the second allocates a single buffer sized from
// that total and emits the outer SEQUENCE header followed by the
// already-built field bytes, so no field is built twice.
type Writer struct{}

// NewWriter returns a Writer. It holds no state; the table isn't needed
// for writing since each Attribute already carries its OID and value.
func NewWriter() *Writer { return &Writer{} }

// Write re-encodes list into a DER attribute set, preserving field order.
func (w *Writer) Write(list *AttributeList) ([]byte, error) {
	// pass 1: build each field's inner SEQUENCE bytes
	fields := make([][]byte, 0, list.Len())
	total := 0
	for a := list.Front(); a != nil; a = a.Next() {
		b, err := asn1.Marshal(entry{OID: a.OID, Critical: a.Critical, Value: a.Value})
		if err != nil {
			return nil, fmt.Errorf("certattr: field %s: %w", a.OID.String(), err)
		}
		fields = append(fields, b)
		total += len(b)
	}

	// pass 2: emit the outer SEQUENCE header once the total length is known
	header := sequenceHeader(total)
	out := make([]byte, 0, len(header)+total)
	out = append(out, header...)
	for _, b := range fields {
		out = append(out, b...)
	}
	return out, nil
}

func sequenceHeader(contentLen int) []byte {
	length := encodeLength(contentLen)
	out := make([]byte, 0, 1+len(length))
	out = append(out, 0x30) // universal, constructed, SEQUENCE
	return append(out, length...)
}

func encodeLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0xff)}, b...)
		n >>= 8
	}
	return append([]byte{0x80 | byte(len(b))}, b...)
}
