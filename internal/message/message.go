// Package message defines the immutable work item that travels through the
// pipeline queues, serialised as a self-describing JSON envelope.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// dateLayout is the wire format for study dates, which carry no time part.
const dateLayout = "2006-01-02"

// Date is a calendar date marshalled as "YYYY-MM-DD".
type Date struct{ time.Time }

// NewDate builds a Date truncated to midnight UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return fmt.Errorf("parse study date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// Message describes one imaging study to be fetched, anonymised and
// delivered. It is immutable once published.
type Message struct {
	MRN                       string    `json:"mrn"`
	AccessionNumber           string    `json:"accession_number"`
	StudyUID                  string    `json:"study_uid,omitempty"`
	StudyDate                 Date      `json:"study_date"`
	ProcedureOccurrenceID     int64     `json:"procedure_occurrence_id"`
	ProjectName               string    `json:"project_name"`
	ExtractGeneratedTimestamp time.Time `json:"extract_generated_timestamp"`
}

// Identifier is the log-friendly handle for a work item.
func (m Message) Identifier() string {
	return fmt.Sprintf("%s/%s", m.MRN, m.AccessionNumber)
}

// Validate rejects work items that could never be fetched or admitted.
func (m Message) Validate() error {
	if strings.TrimSpace(m.MRN) == "" {
		return fmt.Errorf("work item has empty mrn")
	}
	if strings.TrimSpace(m.AccessionNumber) == "" {
		return fmt.Errorf("work item %q has empty accession number", m.MRN)
	}
	if strings.TrimSpace(m.ProjectName) == "" {
		return fmt.Errorf("work item %s has empty project name", m.Identifier())
	}
	return nil
}

// Serialise encodes the message as its JSON envelope.
func (m Message) Serialise() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialise message %s: %w", m.Identifier(), err)
	}
	return b, nil
}

// Deserialise decodes a JSON envelope back into a Message.
func Deserialise(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("deserialise message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Deduplicate drops repeated (mrn, accession number, study date) triples,
// keeping the first occurrence and preserving order. The study date is part
// of the identity: the same accession on a different date is separate work.
func Deduplicate(msgs []Message) []Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		key := m.MRN + "\x00" + m.AccessionNumber + "\x00" + m.StudyDate.Format(dateLayout)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}
