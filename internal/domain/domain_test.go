package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTemplateValidation(t *testing.T) {
	tests := []struct {
		name    string
		tpl     WorkflowTemplate
		wantErr bool
	}{
		{
			name: "valid",
			tpl: WorkflowTemplate{Name: "welcome", Steps: []Step{
				{Action: ActionFindUID},
				{Action: ActionSendMessage, Delay: time.Hour, Params: map[string]string{"text": "hi"}},
			}},
		},
		{name: "no steps", tpl: WorkflowTemplate{Name: "empty"}, wantErr: true},
		{name: "no name", tpl: WorkflowTemplate{Steps: []Step{{Action: ActionTag}}}, wantErr: true},
		{name: "unknown action", tpl: WorkflowTemplate{Name: "x", Steps: []Step{{Action: "poke"}}}, wantErr: true},
		{name: "negative delay", tpl: WorkflowTemplate{Name: "x", Steps: []Step{{Action: ActionTag, Delay: -time.Second}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validator().Struct(tt.tpl)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, InstanceActive.Open())
	assert.True(t, InstancePaused.Open())
	assert.False(t, InstanceCancelled.Open())
	assert.False(t, StepPending.Terminal())
	assert.False(t, StepRunning.Terminal())
	assert.True(t, StepSkipped.Terminal())
	assert.True(t, StepFailed.Terminal())
}

func TestKeys(t *testing.T) {
	ts := time.Date(2026, 3, 4, 17, 45, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-04T17", HourKey(ts))
	assert.Equal(t, "2026-03-04", DateKey(ts))
}
