package hasher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassesProjectMessageAndLength(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte("abcdef0123456789"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	digest, err := c.Hash(context.Background(), "my-project", "MRN123/ACC456", 16)
	require.NoError(t, err)

	assert.Equal(t, "abcdef0123456789", digest)
	assert.Equal(t, []string{"my-project"}, gotQuery["project_slug"])
	assert.Equal(t, []string{"MRN123/ACC456"}, gotQuery["message"])
	assert.Equal(t, []string{"16"}, gotQuery["length"])
}

func TestHashRejectsBadLengthWithoutCalling(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL)
	for _, length := range []int{-1, 0, 1, 65, 1000} {
		_, err := c.Hash(context.Background(), "p", "m", length)
		assert.Error(t, err, "length %d", length)
	}
	assert.False(t, called)
}

func TestHashRejectsEmptyMessage(t *testing.T) {
	c := New("http://unused.invalid")
	_, err := c.Hash(context.Background(), "p", "", 32)
	assert.Error(t, err)
}

func TestHashSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no key for project", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Hash(context.Background(), "unknown", "m", 32)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key for project")
}

func TestNewStudyUIDShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		uid := NewStudyUID()
		require.True(t, strings.HasPrefix(uid, "2.25."), uid)
		assert.LessOrEqual(t, len(uid), 44, uid)
		rest := strings.TrimPrefix(uid, "2.25.")
		assert.NotEqual(t, "", rest)
		assert.False(t, strings.HasPrefix(rest, "0") && len(rest) > 1, uid)
		assert.False(t, seen[uid], "UIDs must not repeat")
		seen[uid] = true
	}
}
