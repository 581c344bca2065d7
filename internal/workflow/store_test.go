package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reachflow/internal/domain"
)

func TestTemplateLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := h.engine.Store()

	tpl := h.template(t, step(domain.ActionAddFriend, 0))
	assert.True(t, strings.HasPrefix(tpl.ID, "tpl_"))

	tpl.Name = "renamed"
	tpl.Steps = append(tpl.Steps, step(domain.ActionSendMessage, 24*time.Hour))
	updated, err := s.UpdateTemplate(ctx, tpl)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	require.Len(t, updated.Steps, 2)
	assert.Equal(t, 24*time.Hour, updated.Steps[1].Delay)
	assert.Equal(t, "welcome", updated.Steps[1].Params["text"])

	c := h.customer(t, "uid-1")
	_, err = h.engine.Enroll(ctx, c.ID, tpl.ID)
	require.NoError(t, err)
	_, err = s.UpdateTemplate(ctx, tpl)
	assert.ErrorIs(t, err, domain.ErrTemplateInUse)

	_, err = s.UpdateTemplate(ctx, domain.WorkflowTemplate{ID: "tpl_missing", Name: "x", Steps: tpl.Steps})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetTemplate(ctx, "tpl_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateTemplateValidates(t *testing.T) {
	ctx := context.Background()
	s := newHarness(t).engine.Store()

	tests := []struct {
		name string
		tpl  domain.WorkflowTemplate
	}{
		{"no name", domain.WorkflowTemplate{Steps: []domain.Step{{Action: domain.ActionTag}}}},
		{"no steps", domain.WorkflowTemplate{Name: "empty"}},
		{"unknown action", domain.WorkflowTemplate{Name: "x", Steps: []domain.Step{{Action: "wave"}}}},
		{"negative delay", domain.WorkflowTemplate{Name: "x", Steps: []domain.Step{{Action: domain.ActionTag, Delay: -time.Second}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateTemplate(ctx, tt.tpl)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

const seed = `
templates:
  - id: tpl_welcome
    name: welcome
    steps:
      - action: findUid
        delay: 0s
        blocking: true
      - action: sendMessage
        delay: 90s
        params:
          text: hello there
      - action: tag
        delay: 24h
        params:
          tag: welcomed
`

func TestLoadAndSeedTemplates(t *testing.T) {
	ctx := context.Background()
	s := newHarness(t).engine.Store()

	tpls, err := LoadTemplatesYAML(strings.NewReader(seed))
	require.NoError(t, err)
	require.Len(t, tpls, 1)
	require.Len(t, tpls[0].Steps, 3)
	assert.True(t, tpls[0].Steps[0].Blocking)
	assert.Equal(t, 90*time.Second, tpls[0].Steps[1].Delay)
	assert.Equal(t, 24*time.Hour, tpls[0].Steps[2].Delay)
	assert.Equal(t, "hello there", tpls[0].Steps[1].Params["text"])

	n, err := s.SeedTemplates(ctx, tpls)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.SeedTemplates(ctx, tpls)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.GetTemplate(ctx, "tpl_welcome")
	require.NoError(t, err)
	assert.Equal(t, "welcome", got.Name)
}

func TestLoadTemplatesYAMLRejectsInvalid(t *testing.T) {
	_, err := LoadTemplatesYAML(strings.NewReader("templates:\n  - name: bad\n    steps:\n      - action: wave\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = LoadTemplatesYAML(strings.NewReader("templates: ["))
	assert.Error(t, err)
}
