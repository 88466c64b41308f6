package agentproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hello := Hello{AgentID: "agent-1", AgentVersion: "1.2.3", Capabilities: []string{"filesystem"}}
	env, err := Encode(TypeHello, hello)
	require.NoError(t, err)
	require.Equal(t, ProtocolVersion, env.Version)
	require.Equal(t, TypeHello, env.Type)

	var got Hello
	require.NoError(t, env.Decode(&got))
	require.Equal(t, hello, got)
}

func TestDecodeEmptyPayloadIsNoop(t *testing.T) {
	env := Envelope{Version: ProtocolVersion, Type: TypePong}
	var pong Pong
	require.NoError(t, env.Decode(&pong))
}

func TestTaskResultEncodesOptionalFields(t *testing.T) {
	errMsg := "disk full"
	result := TaskResult{TaskID: "t1", RunID: "r1", Status: "failed", Error: &errMsg}
	env, err := Encode(TypeTaskResult, result)
	require.NoError(t, err)

	var got TaskResult
	require.NoError(t, env.Decode(&got))
	require.Equal(t, "failed", got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, "disk full", *got.Error)
}
