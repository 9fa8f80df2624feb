package bulk

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"river/pkg/errors"
)

// legacyMessage is the payload used by the original river acceptance test,
// including its unterminated header lines.
const legacyMessage = "{ \"index\" : { \"_index\" : \"test\", \"_type\" : \"type1\", \"_id\" : \"1\" }\n" +
	"{ \"type1\" : { \"field1\" : \"value1\" } }\n" +
	"{ \"delete\" : { \"_index\" : \"test\", \"_type\" : \"type1\", \"_id\" : \"2\" } }\n" +
	"{ \"create\" : { \"_index\" : \"test\", \"_type\" : \"type1\", \"_id\" : \"1\" }\n" +
	"{ \"type1\" : { \"field1\" : \"value1\" } }"

func TestParseLegacyMessage(t *testing.T) {
	batch, err := NewParser(Defaults{}).Parse([]byte(legacyMessage))
	require.NoError(t, err)
	require.Equal(t, 3, batch.Len())

	index, del, create := batch.Operations[0], batch.Operations[1], batch.Operations[2]

	assert.Equal(t, ActionIndex, index.Action)
	assert.Equal(t, "test", index.Index)
	assert.Equal(t, "type1", index.Type)
	assert.Equal(t, "1", index.ID)
	assert.JSONEq(t, `{"type1":{"field1":"value1"}}`, string(index.Body))

	assert.Equal(t, ActionDelete, del.Action)
	assert.Equal(t, "2", del.ID)
	assert.Nil(t, del.Body)

	assert.Equal(t, ActionCreate, create.Action)
	assert.Equal(t, "1", create.ID)
	assert.JSONEq(t, `{"type1":{"field1":"value1"}}`, string(create.Body))

	for _, op := range batch.Operations {
		assert.Equal(t, op.Action.HasBody(), len(op.Body) > 0, op.String())
	}
}

func TestParsePreservesOrderForManyOperations(t *testing.T) {
	var sb strings.Builder
	actions := []Action{ActionIndex, ActionDelete, ActionCreate, ActionUpdate}
	const n = 40
	for i := 0; i < n; i++ {
		a := actions[i%len(actions)]
		fmt.Fprintf(&sb, `{"%s":{"_index":"idx","_type":"doc","_id":"%d"}}`+"\n", a, i)
		if a.HasBody() {
			fmt.Fprintf(&sb, `{"doc":{"n":%d}}`+"\n", i)
		}
	}

	batch, err := NewParser(Defaults{}).Parse([]byte(sb.String()))
	require.NoError(t, err)
	require.Equal(t, n, batch.Len())

	for i, op := range batch.Operations {
		assert.Equal(t, fmt.Sprint(i), op.ID)
		assert.Equal(t, actions[i%len(actions)], op.Action)
		if op.Action.HasBody() {
			assert.JSONEq(t, fmt.Sprintf(`{"doc":{"n":%d}}`, i), string(op.Body))
		} else {
			assert.Nil(t, op.Body)
		}
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	payload := `{"index":{"_id":"7"}}` + "\n" + `{"a":1}`

	batch, err := NewParser(Defaults{Index: "events", Type: "event"}).Parse([]byte(payload))
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())
	assert.Equal(t, "events", batch.Operations[0].Index)
	assert.Equal(t, "event", batch.Operations[0].Type)
}

func TestParseOptionalMetadata(t *testing.T) {
	payload := `{"index":{"_index":"i","_type":"t","_id":42,"_parent":"p1","_version":3,"_version_type":"external"}}` + "\n" + `{}`

	batch, err := NewParser(Defaults{}).Parse([]byte(payload))
	require.NoError(t, err)
	op := batch.Operations[0]

	assert.Equal(t, "42", op.ID)
	assert.Equal(t, "p1", op.Parent)
	assert.Equal(t, "p1", op.EffectiveRouting())
	require.NotNil(t, op.Version)
	assert.EqualValues(t, 3, *op.Version)
	assert.Equal(t, "external", op.VersionType)
}

func TestParseSkipsBlankLinesButCountsThem(t *testing.T) {
	payload := "\r\n" + `{"delete":{"_index":"i","_type":"t","_id":"1"}}` + "\r\n\n" + `{"bogus":{}}`

	_, err := NewParser(Defaults{}).Parse([]byte(payload))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 4, perr.Line)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		line    int
	}{
		{
			name:    "unknown action",
			payload: `{"upsert":{"_index":"i","_type":"t","_id":"1"}}`,
			line:    1,
		},
		{
			name:    "two action keys",
			payload: `{"index":{"_index":"i","_type":"t","_id":"1"},"delete":{}}`,
			line:    1,
		},
		{
			name:    "missing id",
			payload: `{"delete":{"_index":"i","_type":"t"}}`,
			line:    1,
		},
		{
			name:    "missing index without default",
			payload: `{"delete":{"_type":"t","_id":"1"}}`,
			line:    1,
		},
		{
			name:    "index without body",
			payload: `{"delete":{"_index":"i","_type":"t","_id":"1"}}` + "\n" + `{"index":{"_index":"i","_type":"t","_id":"2"}}`,
			line:    2,
		},
		{
			name:    "delete followed by a body line",
			payload: `{"delete":{"_index":"i","_type":"t","_id":"1"}}` + "\n" + `{"field1":"value1"}`,
			line:    2,
		},
		{
			name:    "body is not json",
			payload: `{"index":{"_index":"i","_type":"t","_id":"1"}}` + "\n" + `field1=value1`,
			line:    2,
		},
		{
			name:    "update body is not an object",
			payload: `{"update":{"_index":"i","_type":"t","_id":"1"}}` + "\n" + `[1,2]`,
			line:    2,
		},
		{
			name:    "header is not json",
			payload: `index i t 1`,
			line:    1,
		},
		{
			name:    "metadata is not an object",
			payload: `{"delete":"i/t/1"}`,
			line:    1,
		},
		{
			name:    "trailing content after header",
			payload: `{"delete":{"_index":"i","_type":"t","_id":"1"}} {"x":1}`,
			line:    1,
		},
	}

	parser := NewParser(Defaults{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := parser.Parse([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, batch.Empty())

			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.line, perr.Line)
			assert.True(t, errors.IsParse(err))
		})
	}
}

func TestParseIsIndependentPerMessage(t *testing.T) {
	parser := NewParser(Defaults{})

	_, err := parser.Parse([]byte(`{"explode":{}}`))
	require.Error(t, err)

	batch, err := parser.Parse([]byte(`{"delete":{"_index":"i","_type":"t","_id":"9"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Len())
}

func TestParseConcurrentUse(t *testing.T) {
	parser := NewParser(Defaults{Index: "i", Type: "t"})
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				payload := fmt.Sprintf(`{"index":{"_id":"%d-%d"}}`+"\n"+`{"g":%d}`, g, i, g)
				batch, err := parser.Parse([]byte(payload))
				if assert.NoError(t, err) {
					assert.Equal(t, fmt.Sprintf("%d-%d", g, i), batch.Operations[0].ID)
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestEmptyPayloadYieldsEmptyBatch(t *testing.T) {
	batch, err := NewParser(Defaults{}).Parse([]byte("\n\n"))
	require.NoError(t, err)
	assert.True(t, batch.Empty())
}

func TestBatchFilterKeepsOrder(t *testing.T) {
	batch := Batch{MessageID: "m", Operations: []Operation{
		{Action: ActionIndex, ID: "1"},
		{Action: ActionDelete, ID: "2"},
		{Action: ActionIndex, ID: "3"},
	}}

	out := batch.Filter(func(op Operation) bool { return op.Action == ActionIndex })
	require.Equal(t, 2, out.Len())
	assert.Equal(t, "1", out.Operations[0].ID)
	assert.Equal(t, "3", out.Operations[1].ID)
	assert.Equal(t, "m", out.MessageID)
}
