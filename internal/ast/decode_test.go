package ast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeActionSpec_QualifyLead(t *testing.T) {
	doc := `
name: qualify_lead
entity: contact
impact:
  writes: [contact]
  reads: [contact]
  views: [tv_contact]
steps:
  - step: validate
    expression: status == "lead"
    message: contact must be a lead
  - step: write
    kind: update
    entity: contact
    set:
      status: qualified
`
	spec, err := DecodeActionSpec([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "qualify_lead", spec.Name)
	assert.Equal(t, "contact", spec.Entity)
	assert.False(t, spec.Batch)
	require.Len(t, spec.Steps, 2)

	require.Equal(t, StepValidate, spec.Steps[0].Kind)
	assert.Equal(t, `status == "lead"`, spec.Steps[0].Validate.Expression)

	require.Equal(t, StepWrite, spec.Steps[1].Kind)
	assert.Equal(t, WriteUpdate, spec.Steps[1].Write.Kind)
	assert.Equal(t, "qualified", spec.Steps[1].Write.Set["status"])
}

func TestDecodeActionSpec_NestedSteps(t *testing.T) {
	doc := `
name: bulk_update_prices
entity: product
batch: true
impact:
  writes: [product]
  reads: [product]
  views: [tv_product]
steps:
  - step: loop
    source: items
    steps:
      - step: validate
        expression: item.price > 0
        error_code: invalid_price
        field: price
      - step: conditional
        expression: item.price > 1000
        then:
          - step: notify
            channel: pricing
            payload: [id, price]
      - step: write
        kind: update
        entity: product
        set:
          price: "@item.price"
`
	spec, err := DecodeActionSpec([]byte(doc))
	require.NoError(t, err)
	require.True(t, spec.Batch)
	require.Len(t, spec.Steps, 1)

	loop := spec.Steps[0].Loop
	require.NotNil(t, loop)
	assert.Equal(t, "items", loop.Source)
	require.Len(t, loop.Steps, 3)

	assert.Equal(t, "invalid_price", loop.Steps[0].Validate.ErrorCode)

	cond := loop.Steps[1].Conditional
	require.NotNil(t, cond)
	require.Len(t, cond.Then, 1)
	assert.Equal(t, StepNotify, cond.Then[0].Kind)
	assert.Empty(t, cond.Else)

	assert.Equal(t, "@item.price", loop.Steps[2].Write.Set["price"])
}

func TestDecodeActionSpec_UnknownStepKind(t *testing.T) {
	doc := `
name: broken
entity: contact
steps:
  - step: teleport
`
	_, err := DecodeActionSpec([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step kind")
}

func TestDecodeActionSpec_MissingDiscriminator(t *testing.T) {
	doc := `
name: broken
entity: contact
steps:
  - expression: status == "lead"
`
	_, err := DecodeActionSpec([]byte(doc))
	require.Error(t, err)
}

func TestDecodeActionSpec_RefreshScopeDefaults(t *testing.T) {
	doc := `
name: touch
entity: contact
steps:
  - step: refresh
`
	spec, err := DecodeActionSpec([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, RefreshSelf, spec.Steps[0].Refresh.Scope)
}

func TestLoopStep_ContinueDefaults(t *testing.T) {
	l := &LoopStep{}
	assert.True(t, l.Continues(true), "batch actions default to continue_on_error")
	assert.False(t, l.Continues(false))

	no := false
	l = &LoopStep{ContinueOnError: &no}
	assert.False(t, l.Continues(true), "explicit flag is authoritative")
}
