package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfin/meridian/internal/value"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
)

func TestInteractionAwaitsSelection(t *testing.T) {
	e := &InteractionExecutor{}
	config := map[string]interface{}{"items": []interface{}{"fund-a", "fund-b"}}

	res, err := e.Execute(context.Background(), request(workflow.KindUserInteraction, config, value.Map{}, nil))
	require.NoError(t, err)
	assert.Equal(t, ResultAwaitInput, res.Kind)
	assert.Equal(t, []string{"selection"}, res.ExpectedKeys)
	assert.Contains(t, res.Prompt, "fund-a")
}

func TestInteractionSelectsFromInlineItems(t *testing.T) {
	e := &InteractionExecutor{}
	config := map[string]interface{}{"items": []interface{}{"fund-a", "fund-b", "fund-c"}}

	res, err := e.Execute(context.Background(), request(workflow.KindUserInteraction, config, value.Map{},
		map[string]interface{}{"selection": []interface{}{"fund-a", "fund-c"}}))
	require.NoError(t, err)
	require.Equal(t, ResultDone, res.Kind)

	list, ok := res.Delta["selection_s1"].List()
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.True(t, list[0].Equal(value.String("fund-a")))
}

func TestInteractionScalarSelection(t *testing.T) {
	e := &InteractionExecutor{}
	config := map[string]interface{}{"items": []interface{}{"fund-a", "fund-b"}}

	res, err := e.Execute(context.Background(), request(workflow.KindUserInteraction, config, value.Map{},
		map[string]interface{}{"selection": "fund-b"}))
	require.NoError(t, err)
	require.Equal(t, ResultDone, res.Kind)
	list, _ := res.Delta["selection_s1"].List()
	assert.Len(t, list, 1)
}

func TestInteractionItemsFromContext(t *testing.T) {
	e := &InteractionExecutor{}
	config := map[string]interface{}{"items_from": "candidate_funds"}
	data := value.Map{"candidate_funds": value.List(value.String("VTI"), value.String("BND"))}

	res, err := e.Execute(context.Background(), request(workflow.KindUserInteraction, config, data,
		map[string]interface{}{"selection": []interface{}{"BND"}}))
	require.NoError(t, err)
	require.Equal(t, ResultDone, res.Kind)

	// missing context key fails before any prompt goes out
	res, err = e.Execute(context.Background(), request(workflow.KindUserInteraction, config, value.Map{}, nil))
	require.NoError(t, err)
	require.Equal(t, ResultFailed, res.Kind)
	assert.Equal(t, api.CodeValidationFailed, res.Err.Code)
}

func TestInteractionSelectionBounds(t *testing.T) {
	e := &InteractionExecutor{}
	config := map[string]interface{}{
		"items":         []interface{}{"a", "b", "c"},
		"minSelections": 2,
		"maxSelections": 2,
	}

	res, err := e.Execute(context.Background(), request(workflow.KindUserInteraction, config, value.Map{},
		map[string]interface{}{"selection": []interface{}{"a"}}))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Kind)

	res, err = e.Execute(context.Background(), request(workflow.KindUserInteraction, config, value.Map{},
		map[string]interface{}{"selection": []interface{}{"a", "b", "c"}}))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Kind)

	res, err = e.Execute(context.Background(), request(workflow.KindUserInteraction, config, value.Map{},
		map[string]interface{}{"selection": []interface{}{"a", "b"}}))
	require.NoError(t, err)
	assert.Equal(t, ResultDone, res.Kind)
}

func TestInteractionRejectsUnofferedItem(t *testing.T) {
	e := &InteractionExecutor{}
	config := map[string]interface{}{"items": []interface{}{"a", "b"}}

	res, err := e.Execute(context.Background(), request(workflow.KindUserInteraction, config, value.Map{},
		map[string]interface{}{"selection": []interface{}{"z"}}))
	require.NoError(t, err)
	require.Equal(t, ResultFailed, res.Kind)
	assert.Equal(t, api.CodeValidationFailed, res.Err.Code)
}
