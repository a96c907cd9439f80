// Package dcm provides an in-memory DICOM dataset model and an
// explicit-VR little-endian codec, sized for the de-identification
// pipeline. Sequence items live in an arena owned by the top-level dataset
// and are referenced by index, so traversal never recurses into shared
// mutable nodes.
package dcm

import "fmt"

// Tag identifies a data element by (group, element).
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Less orders tags the way they appear in an encoded dataset.
func (t Tag) Less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

// Tags referenced throughout the pipeline.
var (
	TagSOPClassUID       = Tag{0x0008, 0x0016}
	TagSOPInstanceUID    = Tag{0x0008, 0x0018}
	TagStudyDate         = Tag{0x0008, 0x0020}
	TagAccessionNumber   = Tag{0x0008, 0x0050}
	TagModality          = Tag{0x0008, 0x0060}
	TagManufacturer      = Tag{0x0008, 0x0070}
	TagSeriesDescription = Tag{0x0008, 0x103E}
	TagPatientName       = Tag{0x0010, 0x0010}
	TagPatientID         = Tag{0x0010, 0x0020}
	TagStudyInstanceUID  = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID = Tag{0x0020, 0x000E}
	TagSeriesNumber      = Tag{0x0020, 0x0011}
	TagPixelData         = Tag{0x7FE0, 0x0010}
)

// Delimiter tags used by the encoding, never stored in a dataset.
var (
	tagItem              = Tag{0xFFFE, 0xE000}
	tagItemDelimiter     = Tag{0xFFFE, 0xE00D}
	tagSequenceDelimiter = Tag{0xFFFE, 0xE0DD}
)
