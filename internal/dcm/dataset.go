package dcm

import (
	"strings"
)

// Element is a single data element. For VR SQ the value is empty and Items
// holds indices into the owning dataset's item arena; nested sequences
// reference the same arena.
type Element struct {
	Tag   Tag
	VR    string
	Value []byte
	Items []int

	// encapsulated marks undefined-length binary values (compressed pixel
	// data fragments) that must round-trip verbatim.
	encapsulated bool
}

// StringValue decodes the element value as a DICOM string, trimming the
// trailing space or NUL padding byte.
func (e *Element) StringValue() string {
	return strings.TrimRight(string(e.Value), " \x00")
}

// SetStringValue encodes a string value, padding to even length. UI values
// pad with NUL, everything else with space.
func (e *Element) SetStringValue(s string) {
	b := []byte(s)
	if len(b)%2 != 0 {
		if e.VR == "UI" {
			b = append(b, 0x00)
		} else {
			b = append(b, ' ')
		}
	}
	e.Value = b
}

// Clear empties the element value. A zero-length element is valid for any
// VR and is how the `replace` tag operation blanks a value.
func (e *Element) Clear() {
	e.Value = nil
	e.encapsulated = false
}

// Item is one dataset inside a sequence.
type Item struct {
	Elements []Element
}

// Dataset is a parsed DICOM object: a sorted list of top-level elements
// plus the arena of sequence items they reference.
type Dataset struct {
	Elements []Element
	items    []Item
}

// NewItem appends an empty item to the arena and returns its index.
func (d *Dataset) NewItem() int {
	d.items = append(d.items, Item{})
	return len(d.items) - 1
}

// Item returns the arena item at index i.
func (d *Dataset) Item(i int) *Item {
	return &d.items[i]
}

// Find returns the top-level element with the given tag, or nil.
func (d *Dataset) Find(t Tag) *Element {
	for i := range d.Elements {
		if d.Elements[i].Tag == t {
			return &d.Elements[i]
		}
	}
	return nil
}

// GetString returns the top-level string value for a tag.
func (d *Dataset) GetString(t Tag) (string, bool) {
	e := d.Find(t)
	if e == nil {
		return "", false
	}
	return e.StringValue(), true
}

// SetString creates or replaces a top-level string element, keeping the
// element list in ascending tag order.
func (d *Dataset) SetString(t Tag, vr, value string) {
	if e := d.Find(t); e != nil {
		e.VR = vr
		e.Items = nil
		e.encapsulated = false
		e.SetStringValue(value)
		return
	}
	e := Element{Tag: t, VR: vr}
	e.SetStringValue(value)
	pos := len(d.Elements)
	for i := range d.Elements {
		if t.Less(d.Elements[i].Tag) {
			pos = i
			break
		}
	}
	d.Elements = append(d.Elements, Element{})
	copy(d.Elements[pos+1:], d.Elements[pos:])
	d.Elements[pos] = e
}

// Delete removes the top-level element with the given tag. Items the
// element referenced stay in the arena but become unreachable.
func (d *Dataset) Delete(t Tag) bool {
	for i := range d.Elements {
		if d.Elements[i].Tag == t {
			d.Elements = append(d.Elements[:i], d.Elements[i+1:]...)
			return true
		}
	}
	return false
}

// Filter removes every element, at any nesting depth, for which keep
// returns false. Items below a removed sequence are not visited. The walk
// uses an explicit stack of element lists rather than recursion.
func (d *Dataset) Filter(keep func(Tag) bool) {
	stack := []*[]Element{&d.Elements}
	for len(stack) > 0 {
		elems := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		kept := (*elems)[:0]
		for i := range *elems {
			e := (*elems)[i]
			if !keep(e.Tag) {
				continue
			}
			kept = append(kept, e)
		}
		*elems = kept

		for i := range *elems {
			for _, idx := range (*elems)[i].Items {
				stack = append(stack, &d.items[idx].Elements)
			}
		}
	}
}

// Walk visits every element at any nesting depth, allowing in-place value
// mutation. Structure (element lists, arena) must not be modified by fn.
// The first error stops the walk.
func (d *Dataset) Walk(fn func(*Element) error) error {
	stack := []*[]Element{&d.Elements}
	for len(stack) > 0 {
		elems := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for i := range *elems {
			e := &(*elems)[i]
			if err := fn(e); err != nil {
				return err
			}
			for _, idx := range e.Items {
				stack = append(stack, &d.items[idx].Elements)
			}
		}
	}
	return nil
}
