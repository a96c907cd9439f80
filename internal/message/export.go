package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Export is the envelope on the export queue: one anonymised study ready
// for delivery, addressed by its pseudonymous UID.
type Export struct {
	PseudoStudyUID string `json:"pseudo_study_uid"`
	ProjectSlug    string `json:"project_slug"`
}

// Serialise encodes the export notice as JSON.
func (e Export) Serialise() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serialise export notice %s: %w", e.PseudoStudyUID, err)
	}
	return b, nil
}

// DeserialiseExport decodes and validates an export notice.
func DeserialiseExport(body []byte) (Export, error) {
	var e Export
	if err := json.Unmarshal(body, &e); err != nil {
		return Export{}, fmt.Errorf("deserialise export notice: %w", err)
	}
	if strings.TrimSpace(e.PseudoStudyUID) == "" {
		return Export{}, fmt.Errorf("export notice has empty pseudo study uid")
	}
	if strings.TrimSpace(e.ProjectSlug) == "" {
		return Export{}, fmt.Errorf("export notice %s has empty project slug", e.PseudoStudyUID)
	}
	return e, nil
}
