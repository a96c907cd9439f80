package orthanc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{URL: srv.URL, Username: "orthanc", Password: "orthanc"}, zaptest.NewLogger(t))
}

func TestQueryPrefersStudyUID(t *testing.T) {
	assert.Equal(t,
		map[string]string{"StudyInstanceUID": "1.2.3"},
		Query{StudyInstanceUID: "1.2.3", PatientID: "p", AccessionNumber: "a"}.dicom())
	assert.Equal(t,
		map[string]string{"PatientID": "p", "AccessionNumber": "a"},
		Query{PatientID: "p", AccessionNumber: "a"}.dicom())
}

func TestFindLocalStudies(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tools/find", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "orthanc", user)
		assert.Equal(t, "orthanc", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode([]string{"study-1"})
	}))

	ids, err := c.FindLocalStudies(context.Background(), Query{PatientID: "p", AccessionNumber: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"study-1"}, ids)
	assert.Equal(t, "Study", gotBody["Level"])
}

func TestPendingJobCountCountsUnfinished(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]job{
			{ID: "1", State: JobPending},
			{ID: "2", State: JobRunning},
			{ID: "3", State: JobSuccess},
			{ID: "4", State: JobFailure},
		})
	}))

	n, err := c.PendingJobCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRetrieveReturnsJobID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/queries/q-1/retrieve", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "RAW", body["TargetAet"])
		assert.Equal(t, true, body["Asynchronous"])
		_ = json.NewEncoder(w).Encode(map[string]string{"ID": "job-9"})
	}))

	jobID, err := c.Retrieve(context.Background(), "q-1", "RAW")
	require.NoError(t, err)
	assert.Equal(t, "job-9", jobID)
}

func TestWaitForJobSuccess(t *testing.T) {
	states := []string{JobPending, JobRunning, JobSuccess}
	i := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(job{ID: "j", State: states[i]})
		if i < len(states)-1 {
			i++
		}
	}))

	err := c.WaitForJobSuccess(context.Background(), "j", time.Millisecond, time.Second)
	assert.NoError(t, err)
}

func TestWaitForJobFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(job{ID: "j", State: JobFailure})
	}))

	err := c.WaitForJobSuccess(context.Background(), "j", time.Millisecond, time.Second)
	assert.Error(t, err)
}

func TestWaitForJobWatchdog(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(job{ID: "j", State: JobRunning})
	}))

	err := c.WaitForJobSuccess(context.Background(), "j", time.Millisecond, 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still")
}

func TestStampProjectNameRequest(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/studies/s-1/modify", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.StampProjectName(context.Background(), "s-1", "my-project"))

	replace := gotBody["Replace"].(map[string]any)
	assert.Equal(t, "UCLH PIXL", replace["000d,0010"])
	assert.Equal(t, "my-project", replace["000d,1001"])
	assert.ElementsMatch(t,
		[]any{"StudyInstanceUID", "SeriesInstanceUID", "SOPInstanceUID"},
		gotBody["Keep"].([]any))
}

func TestFindStudyByUID(t *testing.T) {
	ids := []string{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ids)
	}))

	got, err := c.FindStudyByUID(context.Background(), "2.25.1")
	require.NoError(t, err)
	assert.Equal(t, "", got, "absent study resolves to empty id")

	ids = []string{"s-1"}
	got, err = c.FindStudyByUID(context.Background(), "2.25.1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", got)

	ids = []string{"s-1", "s-2"}
	_, err = c.FindStudyByUID(context.Background(), "2.25.1")
	assert.Error(t, err)
}

func TestErrorResponsesSurfaceBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown modality", http.StatusNotFound)
	}))

	_, err := c.QueryRemote(context.Background(), "NOPE", Query{PatientID: "p", AccessionNumber: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown modality")
}
