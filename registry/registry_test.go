package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	topics []string
}

func (f *fakeNotifier) Publish(topic string) { f.topics = append(f.topics, topic) }

func TestFeatureSet_AddGetList(t *testing.T) {
	n := &fakeNotifier{}
	r := New(n)

	require.NoError(t, r.Tools.Add("b-tool", &Tool{Name: "b-tool"}))
	require.NoError(t, r.Tools.Add("a-tool", &Tool{Name: "a-tool"}))

	list := r.Tools.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a-tool", list[0].Name)
	assert.Equal(t, "b-tool", list[1].Name)

	got, ok := r.Tools.Get("a-tool")
	require.True(t, ok)
	assert.Equal(t, "a-tool", got.Name)

	_, ok = r.Tools.Get("missing")
	assert.False(t, ok)

	assert.Contains(t, n.topics, "notifications/tools/list_changed")
}

func TestFeatureSet_AddDuplicateRejected(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Tools.Add("dup", &Tool{Name: "dup"}))
	err := r.Tools.Add("dup", &Tool{Name: "dup"})
	assert.Error(t, err)
}

func TestFeatureSet_Remove(t *testing.T) {
	n := &fakeNotifier{}
	r := New(n)
	require.NoError(t, r.Resources.Add("file:///a", &Resource{URI: "file:///a"}))
	n.topics = nil

	r.Resources.Remove("file:///a")
	_, ok := r.Resources.Get("file:///a")
	assert.False(t, ok)
	assert.Contains(t, n.topics, "notifications/resources/list_changed")
}

func TestMatchTemplate(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.ResourceTemplates.Add("file:///logs/{date}", &ResourceTemplate{
		URITemplate: "file:///logs/{date}",
		Name:        "logs",
	}))

	tmpl, params, ok := r.MatchTemplate("file:///logs/2026-07-30")
	require.True(t, ok)
	assert.Equal(t, "logs", tmpl.Name)
	assert.Equal(t, "2026-07-30", params["date"])

	_, _, ok = r.MatchTemplate("file:///other/2026-07-30")
	assert.False(t, ok)
}

func TestMatchTemplate_SegmentCountMismatch(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.ResourceTemplates.Add("file:///logs/{date}", &ResourceTemplate{
		URITemplate: "file:///logs/{date}",
	}))
	_, _, ok := r.MatchTemplate("file:///logs/2026/extra")
	assert.False(t, ok)
}
