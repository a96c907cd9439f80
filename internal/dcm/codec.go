package dcm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// TransferSyntaxExplicitLE is the only transfer syntax the pipeline codec
// handles. The raw node is configured to transcode incoming studies to it.
const TransferSyntaxExplicitLE = "1.2.840.10008.1.2.1"

const implementationClassUID = "1.2.826.0.1.3680043.8.498.1"

const undefinedLength = 0xFFFFFFFF

// longLengthVRs use the 4-byte length form with 2 reserved bytes.
var longLengthVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OW": true,
	"SQ": true, "UC": true, "UN": true, "UR": true, "UT": true,
}

// Parse decodes a DICOM file (preamble, meta group, dataset) from r.
func Parse(r io.Reader) (*Dataset, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read dicom stream: %w", err)
	}
	return ParseBytes(b)
}

// ParseBytes decodes a DICOM file from a byte slice.
func ParseBytes(b []byte) (*Dataset, error) {
	if len(b) < 132 || string(b[128:132]) != "DICM" {
		return nil, fmt.Errorf("not a DICOM file: missing DICM magic")
	}
	dec := &decoder{buf: b, pos: 132}

	ts, err := dec.parseMeta()
	if err != nil {
		return nil, err
	}
	if ts != TransferSyntaxExplicitLE {
		return nil, fmt.Errorf("unsupported transfer syntax %q", ts)
	}

	ds := &Dataset{}
	elems, err := dec.parseElements(ds, len(b))
	if err != nil {
		return nil, err
	}
	ds.Elements = elems
	return ds, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) read(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, fmt.Errorf("truncated dicom stream at offset %d", d.pos)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readTag() (Tag, error) {
	b, err := d.read(4)
	if err != nil {
		return Tag{}, err
	}
	return Tag{
		Group:   binary.LittleEndian.Uint16(b[0:2]),
		Element: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// parseMeta reads the group-0002 file meta elements and returns the
// transfer syntax UID. Meta is always explicit VR little endian.
func (d *decoder) parseMeta() (string, error) {
	tag, err := d.readTag()
	if err != nil {
		return "", err
	}
	if tag != (Tag{0x0002, 0x0000}) {
		return "", fmt.Errorf("expected file meta group length, got %s", tag)
	}
	if _, err := d.read(2); err != nil { // VR "UL"
		return "", err
	}
	lenBytes, err := d.read(2)
	if err != nil {
		return "", err
	}
	if binary.LittleEndian.Uint16(lenBytes) != 4 {
		return "", fmt.Errorf("file meta group length must be 4 bytes")
	}
	glBytes, err := d.read(4)
	if err != nil {
		return "", err
	}
	metaEnd := d.pos + int(binary.LittleEndian.Uint32(glBytes))

	ts := ""
	for d.pos < metaEnd {
		e, err := d.parseElement(nil)
		if err != nil {
			return "", fmt.Errorf("file meta: %w", err)
		}
		if e.Tag == (Tag{0x0002, 0x0010}) {
			ts = e.StringValue()
		}
	}
	if ts == "" {
		return "", fmt.Errorf("file meta has no transfer syntax")
	}
	return ts, nil
}

// parseElements reads elements until `end` (byte offset) or, when end < 0,
// until an item delimiter.
func (d *decoder) parseElements(ds *Dataset, end int) ([]Element, error) {
	var out []Element
	for {
		if end >= 0 && d.pos >= end {
			return out, nil
		}
		if end < 0 && d.remaining() == 0 {
			return nil, fmt.Errorf("unterminated item")
		}
		if d.remaining() == 0 {
			return out, nil
		}

		if end < 0 {
			if d.remaining() < 8 {
				return nil, fmt.Errorf("unterminated item")
			}
			// Peek for the item delimiter that ends an undefined-length item.
			next := Tag{
				Group:   binary.LittleEndian.Uint16(d.buf[d.pos : d.pos+2]),
				Element: binary.LittleEndian.Uint16(d.buf[d.pos+2 : d.pos+4]),
			}
			if next == tagItemDelimiter {
				d.pos += 8 // tag + zero length
				return out, nil
			}
		}

		e, err := d.parseElement(ds)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
}

func (d *decoder) parseElement(ds *Dataset) (*Element, error) {
	tag, err := d.readTag()
	if err != nil {
		return nil, err
	}
	vrBytes, err := d.read(2)
	if err != nil {
		return nil, err
	}
	vr := string(vrBytes)

	var length uint32
	if longLengthVRs[vr] {
		if _, err := d.read(2); err != nil { // reserved
			return nil, err
		}
		b, err := d.read(4)
		if err != nil {
			return nil, err
		}
		length = binary.LittleEndian.Uint32(b)
	} else {
		b, err := d.read(2)
		if err != nil {
			return nil, err
		}
		length = uint32(binary.LittleEndian.Uint16(b))
	}

	e := &Element{Tag: tag, VR: vr}

	switch {
	case vr == "SQ":
		if ds == nil {
			return nil, fmt.Errorf("sequence %s in file meta", tag)
		}
		if err := d.parseSequence(ds, e, length); err != nil {
			return nil, err
		}
	case length == undefinedLength:
		// Encapsulated (compressed) value: keep the fragment bytes verbatim
		// up to, but excluding, the sequence delimiter.
		raw, err := d.readUntilSequenceDelimiter()
		if err != nil {
			return nil, fmt.Errorf("element %s: %w", tag, err)
		}
		e.Value = raw
		e.encapsulated = true
	default:
		v, err := d.read(int(length))
		if err != nil {
			return nil, fmt.Errorf("element %s: %w", tag, err)
		}
		// Copy out of the backing buffer so mutation never aliases input.
		e.Value = append([]byte(nil), v...)
	}
	return e, nil
}

func (d *decoder) parseSequence(ds *Dataset, e *Element, length uint32) error {
	seqEnd := -1
	if length != undefinedLength {
		seqEnd = d.pos + int(length)
	}
	for {
		if seqEnd >= 0 && d.pos >= seqEnd {
			return nil
		}
		tag, err := d.readTag()
		if err != nil {
			return err
		}
		if tag == tagSequenceDelimiter {
			if _, err := d.read(4); err != nil {
				return err
			}
			return nil
		}
		if tag != tagItem {
			return fmt.Errorf("expected sequence item in %s, got %s", e.Tag, tag)
		}
		b, err := d.read(4)
		if err != nil {
			return err
		}
		itemLen := binary.LittleEndian.Uint32(b)

		itemEnd := -1
		if itemLen != undefinedLength {
			itemEnd = d.pos + int(itemLen)
		}
		elems, err := d.parseElements(ds, itemEnd)
		if err != nil {
			return err
		}
		idx := ds.NewItem()
		ds.Item(idx).Elements = elems
		e.Items = append(e.Items, idx)
	}
}

func (d *decoder) readUntilSequenceDelimiter() ([]byte, error) {
	start := d.pos
	for d.remaining() >= 8 {
		tag := Tag{
			Group:   binary.LittleEndian.Uint16(d.buf[d.pos : d.pos+2]),
			Element: binary.LittleEndian.Uint16(d.buf[d.pos+2 : d.pos+4]),
		}
		if tag == tagSequenceDelimiter {
			raw := append([]byte(nil), d.buf[start:d.pos]...)
			d.pos += 8
			return raw, nil
		}
		if tag != tagItem {
			return nil, fmt.Errorf("malformed encapsulated value")
		}
		fragLen := binary.LittleEndian.Uint32(d.buf[d.pos+4 : d.pos+8])
		d.pos += 8 + int(fragLen)
		if d.pos > len(d.buf) {
			return nil, fmt.Errorf("truncated encapsulated fragment")
		}
	}
	return nil, fmt.Errorf("unterminated encapsulated value")
}

// Write encodes the dataset as a DICOM file in explicit VR little endian.
// Sequences and their items are written with undefined lengths.
func Write(w io.Writer, ds *Dataset) error {
	var body bytes.Buffer
	for i := range ds.Elements {
		if err := writeElement(&body, ds, &ds.Elements[i]); err != nil {
			return err
		}
	}

	var meta bytes.Buffer
	writeShortElement(&meta, Tag{0x0002, 0x0001}, "OB", []byte{0x00, 0x01})
	if sopClass, ok := ds.GetString(TagSOPClassUID); ok {
		writeUIElement(&meta, Tag{0x0002, 0x0002}, sopClass)
	}
	if sopInstance, ok := ds.GetString(TagSOPInstanceUID); ok {
		writeUIElement(&meta, Tag{0x0002, 0x0003}, sopInstance)
	}
	writeUIElement(&meta, Tag{0x0002, 0x0010}, TransferSyntaxExplicitLE)
	writeUIElement(&meta, Tag{0x0002, 0x0012}, implementationClassUID)
	writeShortElement(&meta, Tag{0x0002, 0x0013}, "SH", padded("PIXL", ' '))

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	var gl [4]byte
	binary.LittleEndian.PutUint32(gl[:], uint32(meta.Len()))
	writeShortElement(&out, Tag{0x0002, 0x0000}, "UL", gl[:])
	out.Write(meta.Bytes())
	out.Write(body.Bytes())

	if _, err := w.Write(out.Bytes()); err != nil {
		return fmt.Errorf("write dicom stream: %w", err)
	}
	return nil
}

// Bytes encodes the dataset into a byte slice.
func Bytes(ds *Dataset) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, ds); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeTag(buf *bytes.Buffer, t Tag) {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[0:2], t.Group)
	binary.LittleEndian.PutUint16(b[2:4], t.Element)
	buf.Write(b[:])
}

func writeShortElement(buf *bytes.Buffer, t Tag, vr string, value []byte) {
	writeTag(buf, t)
	buf.WriteString(vr)
	if longLengthVRs[vr] {
		buf.Write([]byte{0, 0})
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(value)))
		buf.Write(l[:])
	} else {
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(value)))
		buf.Write(l[:])
	}
	buf.Write(value)
}

func writeUIElement(buf *bytes.Buffer, t Tag, value string) {
	writeShortElement(buf, t, "UI", padded(value, 0x00))
}

func padded(s string, pad byte) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, pad)
	}
	return b
}

func writeElement(buf *bytes.Buffer, ds *Dataset, e *Element) error {
	if e.VR == "SQ" {
		writeTag(buf, e.Tag)
		buf.WriteString("SQ")
		buf.Write([]byte{0, 0})
		writeUint32(buf, undefinedLength)
		for _, idx := range e.Items {
			writeTag(buf, tagItem)
			writeUint32(buf, undefinedLength)
			for i := range ds.Item(idx).Elements {
				if err := writeElement(buf, ds, &ds.Item(idx).Elements[i]); err != nil {
					return err
				}
			}
			writeTag(buf, tagItemDelimiter)
			writeUint32(buf, 0)
		}
		writeTag(buf, tagSequenceDelimiter)
		writeUint32(buf, 0)
		return nil
	}

	if e.encapsulated {
		writeTag(buf, e.Tag)
		buf.WriteString(e.VR)
		buf.Write([]byte{0, 0})
		writeUint32(buf, undefinedLength)
		buf.Write(e.Value)
		writeTag(buf, tagSequenceDelimiter)
		writeUint32(buf, 0)
		return nil
	}

	if len(e.Value)%2 != 0 {
		return fmt.Errorf("element %s has odd value length %d", e.Tag, len(e.Value))
	}
	writeShortElement(buf, e.Tag, e.VR, e.Value)
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
