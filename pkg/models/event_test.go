package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_UnmarshalRestoresPayloadType(t *testing.T) {
	event := NewEvent(EventBindingVoted, "proposal/1", time.Unix(1_700_000_000, 0).UTC(), &VoteCast{
		ProposalID: 1,
		Voter:      common.HexToAddress("0x01"),
		Support:    true,
		Weight:     uint256.NewInt(250),
	})
	data, err := json.Marshal(&event)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	vote, ok := decoded.Data.(*VoteCast)
	require.True(t, ok)
	assert.Equal(t, uint256.NewInt(250), vote.Weight)
	assert.Equal(t, event.ToKafkaMessage(), decoded.ToKafkaMessage())
}

func TestEvent_UnmarshalUnknownType(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"type":"Nope","key":"k","data":{"x":1}}`), &e)
	assert.Error(t, err)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"Nope","key":"k"}`), &e))
	assert.Nil(t, e.Data)
}
