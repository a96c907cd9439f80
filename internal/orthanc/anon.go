package orthanc

import (
	"context"
	"fmt"
	"net/http"
)

// Operations used against the anonymisation node.

// FindStudyByUID resolves a StudyInstanceUID to the node's resource ID, or
// "" when the study is not present.
func (c *Client) FindStudyByUID(ctx context.Context, studyUID string) (string, error) {
	ids, err := c.FindLocalStudies(ctx, Query{StudyInstanceUID: studyUID})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	if len(ids) > 1 {
		return "", fmt.Errorf("study uid %s matches %d resources", studyUID, len(ids))
	}
	return ids[0], nil
}

// StudyInstances lists the instance resource IDs of a study.
func (c *Client) StudyInstances(ctx context.Context, studyID string) ([]string, error) {
	var instances []struct {
		ID string `json:"ID"`
	}
	if err := c.do(ctx, http.MethodGet, "/studies/"+studyID+"/instances", nil, &instances); err != nil {
		return nil, err
	}
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	return ids, nil
}

// InstanceFile downloads one instance as raw DICOM.
func (c *Client) InstanceFile(ctx context.Context, instanceID string) ([]byte, error) {
	return c.doRaw(ctx, http.MethodGet, "/instances/"+instanceID+"/file", nil)
}

// UploadInstance stores a DICOM instance on the node.
func (c *Client) UploadInstance(ctx context.Context, data []byte) error {
	return c.upload(ctx, "/instances", data)
}

// StudyArchive downloads the study as a zip built by the node.
func (c *Client) StudyArchive(ctx context.Context, studyID string) ([]byte, error) {
	return c.doRaw(ctx, http.MethodGet, "/studies/"+studyID+"/archive", nil)
}

// DeleteStudy removes a study from the node once it is no longer needed.
func (c *Client) DeleteStudy(ctx context.Context, studyID string) error {
	return c.do(ctx, http.MethodDelete, "/studies/"+studyID, nil, nil)
}
