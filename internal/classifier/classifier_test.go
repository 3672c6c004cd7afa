package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisync/internal/domain"
)

type fakeChat struct {
	response string
	err      error
}

func (f *fakeChat) CreateMessage(ctx context.Context, prompt string) (string, error) {
	return f.response, f.err
}

func testItem() domain.Item {
	return domain.Item{ID: "item-1", Source: domain.SourceMail, Title: "Q3 planning", Body: "Let's meet Tuesday to review the Q3 roadmap."}
}

func testProjects() []domain.Project {
	return []domain.Project{
		{ID: "proj-1", Status: domain.ProjectActive, Profile: domain.ClassificationProfile{Tags: []string{"q3", "roadmap"}}},
	}
}

func TestClassify_ConfidentMatch(t *testing.T) {
	chat := &fakeChat{response: `{"project_id":"proj-1","confidence":0.9,"matched_tags":["q3"],"inferred_tags":[],"rationale":"mentions Q3 roadmap"}`}
	c := newWithChat(chat)

	res, err := c.Classify(context.Background(), testItem(), testProjects())
	require.NoError(t, err)
	assert.False(t, res.Unclassified)
	assert.Equal(t, "proj-1", res.ProjectID)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
}

func TestClassify_BelowThreshold(t *testing.T) {
	chat := &fakeChat{response: `{"project_id":"proj-1","confidence":0.3,"rationale":"weak match"}`}
	c := newWithChat(chat)

	res, err := c.Classify(context.Background(), testItem(), testProjects())
	require.NoError(t, err)
	assert.True(t, res.Unclassified)
	assert.False(t, res.Transient)
}

func TestClassify_NoProjects(t *testing.T) {
	c := newWithChat(&fakeChat{})
	res, err := c.Classify(context.Background(), testItem(), nil)
	require.NoError(t, err)
	assert.True(t, res.Unclassified)
}

func TestClassify_ModelErrorFallsBackToUnclassified(t *testing.T) {
	chat := &fakeChat{err: errors.New("upstream 500")}
	c := newWithChat(chat)

	res, err := c.Classify(context.Background(), testItem(), testProjects())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModel)
	assert.True(t, res.Unclassified)
	assert.True(t, res.Transient)
}

func TestClassify_UnparsableResponse(t *testing.T) {
	chat := &fakeChat{response: "sorry, I cannot help with that"}
	c := newWithChat(chat)

	res, err := c.Classify(context.Background(), testItem(), testProjects())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModel)
	assert.True(t, res.Unclassified)
	assert.True(t, res.Transient)
}

func TestClassify_UnknownProjectIDTreatedAsUnclassified(t *testing.T) {
	chat := &fakeChat{response: `{"project_id":"does-not-exist","confidence":0.95}`}
	c := newWithChat(chat)

	res, err := c.Classify(context.Background(), testItem(), testProjects())
	require.NoError(t, err)
	assert.True(t, res.Unclassified)
}

func TestBuildPrompt_IncludesProfileVerbatim(t *testing.T) {
	prompt := buildPrompt(testItem(), testProjects())
	assert.Contains(t, prompt, "q3, roadmap")
	assert.Contains(t, prompt, "proj-1")
}
