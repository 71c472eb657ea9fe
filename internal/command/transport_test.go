package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_Serve(t *testing.T) {
	s, _ := newTestServer(t)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","id":2,"method":"cadence.node.create","params":{"id":"a"}}`,
		`{"jsonrpc":"2.0","method":"cadence.node.create","params":{"id":"b"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"cadence.node.list"}`,
		`{"jsonrpc":"2.0","id":4,"method":"cadence.nope"}`,
		`{"jsonrpc":"2.0","id":5,"method":"cadence.edge.add","params":{"from":"a","to":"b","kind":"bogus"}}`,
		`{"jsonrpc":"1.0","id":6,"method":"cadence.stats"}`,
		`not json`,
		`{"jsonrpc":"2.0","method":"exit"}`,
		`{"jsonrpc":"2.0","id":7,"method":"cadence.stats"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	tr := NewTransport(s, strings.NewReader(input), &out)
	require.NoError(t, tr.Serve(context.Background()))

	var responses []JSONRPCResponse
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	require.Len(t, responses, 7, "the notification gets no reply and nothing after exit is read")

	assert.Nil(t, responses[0].Error)
	assert.Nil(t, responses[1].Error)

	list, ok := responses[2].Result.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 2, "notifications still run")

	require.NotNil(t, responses[3].Error)
	assert.Equal(t, MethodNotFound, responses[3].Error.Code)
	require.NotNil(t, responses[4].Error)
	assert.Equal(t, InvalidParams, responses[4].Error.Code)
	require.NotNil(t, responses[5].Error)
	assert.Equal(t, InvalidRequest, responses[5].Error.Code)
	require.NotNil(t, responses[6].Error)
	assert.Equal(t, ParseError, responses[6].Error.Code)
}

func TestTransport_EOF(t *testing.T) {
	s, _ := newTestServer(t)
	var out bytes.Buffer
	tr := NewTransport(s, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"cadence.stats"}`), &out)
	require.NoError(t, tr.Serve(context.Background()))
	assert.Contains(t, out.String(), `"total_events"`)
}
