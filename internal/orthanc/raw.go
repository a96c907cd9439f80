package orthanc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/dcm"
)

// Job states reported by the node's job engine.
const (
	JobPending = "Pending"
	JobRunning = "Running"
	JobSuccess = "Success"
	JobFailure = "Failure"
)

// Query identifies a study in an archive. StudyInstanceUID wins when
// present; otherwise (PatientID, AccessionNumber) is used.
type Query struct {
	StudyInstanceUID string
	PatientID        string
	AccessionNumber  string
}

func (q Query) dicom() map[string]string {
	if q.StudyInstanceUID != "" {
		return map[string]string{"StudyInstanceUID": q.StudyInstanceUID}
	}
	return map[string]string{
		"PatientID":       q.PatientID,
		"AccessionNumber": q.AccessionNumber,
	}
}

type job struct {
	ID    string `json:"ID"`
	State string `json:"State"`
}

// PendingJobCount counts jobs the node has not finished yet. The fetcher
// backs off while transfers are still in flight.
func (c *Client) PendingJobCount(ctx context.Context) (int, error) {
	var jobs []job
	if err := c.do(ctx, http.MethodGet, "/jobs?expand", nil, &jobs); err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if j.State == JobPending || j.State == JobRunning {
			n++
		}
	}
	return n, nil
}

// FindLocalStudies returns node resource IDs of studies already present
// locally that match the query.
func (c *Client) FindLocalStudies(ctx context.Context, q Query) ([]string, error) {
	body := map[string]any{
		"Level": "Study",
		"Query": q.dicom(),
	}
	var ids []string
	if err := c.do(ctx, http.MethodPost, "/tools/find", body, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// QueryRemote issues a C-FIND against a configured modality and returns the
// query resource ID.
func (c *Client) QueryRemote(ctx context.Context, modality string, q Query) (string, error) {
	body := map[string]any{
		"Level": "Study",
		"Query": q.dicom(),
	}
	var resp struct {
		ID string `json:"ID"`
	}
	path := fmt.Sprintf("/modalities/%s/query", modality)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// QueryAnswers lists the answer indices of a remote query.
func (c *Client) QueryAnswers(ctx context.Context, queryID string) ([]string, error) {
	var answers []string
	path := fmt.Sprintf("/queries/%s/answers", queryID)
	if err := c.do(ctx, http.MethodGet, path, nil, &answers); err != nil {
		return nil, err
	}
	return answers, nil
}

// Retrieve starts an asynchronous C-MOVE of every answer of a query towards
// targetAET and returns the job ID to poll.
func (c *Client) Retrieve(ctx context.Context, queryID, targetAET string) (string, error) {
	body := map[string]any{
		"TargetAet":    targetAET,
		"Asynchronous": true,
	}
	var resp struct {
		ID string `json:"ID"`
	}
	path := fmt.Sprintf("/queries/%s/retrieve", queryID)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// JobState reports the state of an asynchronous job.
func (c *Client) JobState(ctx context.Context, jobID string) (string, error) {
	var j job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, &j); err != nil {
		return "", err
	}
	return j.State, nil
}

// WaitForJobSuccess polls the job until success, failure or the transfer
// watchdog fires.
func (c *Client) WaitForJobSuccess(ctx context.Context, jobID string, poll, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		state, err := c.JobState(ctx, jobID)
		if err != nil {
			return err
		}
		switch state {
		case JobSuccess:
			return nil
		case JobFailure:
			return fmt.Errorf("job %s failed", jobID)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("job %s still %s after %s", jobID, state, timeout)
		}

		c.log.Debug("job in progress", zap.String("job", jobID), zap.String("state", state))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StampProjectName rewrites the study in place, claiming the private block
// and setting the project slug while keeping every UID. Re-stamping an
// already stamped study with the same slug is a no-op.
func (c *Client) StampProjectName(ctx context.Context, studyID, slug string) error {
	body := map[string]any{
		"Replace": map[string]string{
			tagKey(dcm.TagPrivateCreator): dcm.ProjectNameCreator,
			tagKey(dcm.TagProjectName):    slug,
		},
		"PrivateCreator": dcm.ProjectNameCreator,
		"Keep":           []string{"StudyInstanceUID", "SeriesInstanceUID", "SOPInstanceUID"},
		"Force":          true,
		"Synchronous":    true,
	}
	return c.do(ctx, http.MethodPost, "/studies/"+studyID+"/modify", body, nil)
}

// SendStudy transmits a study to another configured modality, typically the
// anonymisation node.
func (c *Client) SendStudy(ctx context.Context, studyID, modality string) error {
	body := map[string]any{
		"Resources":   []string{studyID},
		"Synchronous": true,
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/modalities/%s/store", modality), body, nil)
}

func tagKey(t dcm.Tag) string {
	return fmt.Sprintf("%04x,%04x", t.Group, t.Element)
}
