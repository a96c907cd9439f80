package dcm

// The project marker is a private tag carried by studies inside the raw and
// anonymisation nodes so downstream stages can load the right project
// configuration. It never leaves the pipeline: the tag-engine allow-list
// strips it before delivery.
//
// This file is the single source of truth for the tag's location; the node
// dictionaries are generated from the same values.
const (
	// ProjectNameCreator reserves private block 0x10 in group 0x000D.
	ProjectNameCreator = "UCLH PIXL"

	privateBlock = 0x10
)

var (
	// TagPrivateCreator holds the creator string that claims the block.
	TagPrivateCreator = Tag{0x000D, 0x0010}
	// TagProjectName is offset 0x01 inside the claimed block, VR LO.
	TagProjectName = Tag{0x000D, uint16(privateBlock)<<8 | 0x01}
)

// StampProjectName writes the project slug into the dataset's private
// block, claiming the block first. Stamping is idempotent: last writer wins
// with the same value.
func StampProjectName(ds *Dataset, slug string) {
	ds.SetString(TagPrivateCreator, "LO", ProjectNameCreator)
	ds.SetString(TagProjectName, "LO", slug)
}

// ProjectName reads the stamped project slug. It returns false when the
// block is unclaimed or claimed by a different creator.
func ProjectName(ds *Dataset) (string, bool) {
	creator, ok := ds.GetString(TagPrivateCreator)
	if !ok || creator != ProjectNameCreator {
		return "", false
	}
	slug, ok := ds.GetString(TagProjectName)
	if !ok || slug == "" {
		return "", false
	}
	return slug, true
}
