package eventlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

func TestAppendAssignsDenseSequence(t *testing.T) {
	s := NewStore()
	for i := 0; i < 10; i++ {
		ev, err := s.Append("req-1", contracts.EventToolProposed, map[string]any{"i": i}, "")
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.SequenceID)
	}
}

func TestAppendRejectsEmptyRequestID(t *testing.T) {
	s := NewStore()
	_, err := s.Append("", contracts.EventToolProposed, nil, "")
	require.ErrorIs(t, err, ErrEmptyRequestID)
}

func TestAppendChainsHashes(t *testing.T) {
	s := NewStore()
	first, err := s.Append("req-1", contracts.EventToolProposed, map[string]any{"tool": "PLAY_EMOTE"}, "corr-1")
	require.NoError(t, err)
	second, err := s.Append("req-1", contracts.EventToolValidated, map[string]any{"valid": true}, "corr-1")
	require.NoError(t, err)

	assert.Equal(t, "genesis", first.PrevHash)
	assert.Equal(t, first.EventHash, second.PrevHash)
	assert.Equal(t, second.EventHash, s.Head())
}

func TestPayloadKeyOrderDoesNotChangeHash(t *testing.T) {
	a := NewStore()
	b := NewStore()
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	WithClock(func() time.Time { return fixed })(a)
	WithClock(func() time.Time { return fixed })(b)

	evA, err := a.Append("req-1", contracts.EventToolExecuted, map[string]any{"x": 1, "y": "s", "z": true}, "c")
	require.NoError(t, err)
	evB, err := b.Append("req-1", contracts.EventToolExecuted, map[string]any{"z": true, "y": "s", "x": 1}, "c")
	require.NoError(t, err)
	assert.Equal(t, evA.EventHash, evB.EventHash)
}

func TestSecondaryIndices(t *testing.T) {
	s := NewStore()
	_, err := s.Append("req-1", contracts.EventToolProposed, nil, "corr-1")
	require.NoError(t, err)
	_, err = s.Append("req-2", contracts.EventToolProposed, nil, "corr-1")
	require.NoError(t, err)
	_, err = s.Append("req-1", contracts.EventToolValidated, nil, "corr-2")
	require.NoError(t, err)

	byReq := s.GetByRequestID("req-1")
	require.Len(t, byReq, 2)
	assert.Equal(t, contracts.EventToolProposed, byReq[0].Type)
	assert.Equal(t, contracts.EventToolValidated, byReq[1].Type)

	byCorr := s.GetByCorrelationID("corr-1")
	require.Len(t, byCorr, 2)
	assert.Equal(t, "req-1", byCorr[0].RequestID)
	assert.Equal(t, "req-2", byCorr[1].RequestID)

	assert.Empty(t, s.GetByCorrelationID("corr-unknown"))
}

func TestGetRecentReturnsInsertionOrder(t *testing.T) {
	s := NewStore()
	for i := 0; i < 5; i++ {
		_, err := s.Append(fmt.Sprintf("req-%d", i), contracts.EventToolProposed, nil, "")
		require.NoError(t, err)
	}
	recent := s.GetRecent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "req-2", recent[0].RequestID)
	assert.Equal(t, "req-4", recent[2].RequestID)

	all := s.GetRecent(0)
	assert.Len(t, all, 5)
}

func TestMaxEventsEvictionKeepsIndicesConsistent(t *testing.T) {
	s := NewStore(WithMaxEvents(3))
	for i := 0; i < 5; i++ {
		_, err := s.Append("req-1", contracts.EventToolProposed, map[string]any{"i": i}, "corr-1")
		require.NoError(t, err)
	}

	assert.Equal(t, 3, s.Size())
	byReq := s.GetByRequestID("req-1")
	require.Len(t, byReq, 3)
	// Sequence ids keep increasing across eviction.
	assert.Equal(t, uint64(3), byReq[0].SequenceID)
	assert.Equal(t, uint64(5), byReq[2].SequenceID)
	assert.Len(t, s.GetByCorrelationID("corr-1"), 3)
}

func TestRetentionWindowEviction(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithRetentionWindow(time.Minute), WithClock(func() time.Time { return now }))

	_, err := s.Append("req-old", contracts.EventToolProposed, nil, "")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Append("req-new", contracts.EventToolProposed, nil, "")
	require.NoError(t, err)

	assert.Equal(t, 1, s.Size())
	assert.Empty(t, s.GetByRequestID("req-old"))
	assert.Len(t, s.GetByRequestID("req-new"), 1)
}

func TestVerifyEventChainValid(t *testing.T) {
	s := NewStore()
	for i := 0; i < 20; i++ {
		_, err := s.Append("req-1", contracts.EventToolExecuted, map[string]any{"i": i}, "corr-1")
		require.NoError(t, err)
	}
	report := VerifyEventChain(s.GetRecent(0))
	assert.True(t, report.Valid)
	assert.Equal(t, 20, report.Checked)
}

func TestVerifyEventChainDetectsTamperedPayload(t *testing.T) {
	s := NewStore()
	for i := 0; i < 10; i++ {
		_, err := s.Append("req-1", contracts.EventToolExecuted, map[string]any{"i": i}, "")
		require.NoError(t, err)
	}
	events := s.GetRecent(0)

	// Mutate the payload of event 4 after the fact.
	events[3].Payload["i"] = 999

	report := VerifyEventChain(events)
	assert.False(t, report.Valid)
	assert.Equal(t, events[3].SequenceID, report.FirstInvalid)
}

func TestVerifyEventChainDetectsBrokenLinkage(t *testing.T) {
	s := NewStore()
	for i := 0; i < 5; i++ {
		_, err := s.Append("req-1", contracts.EventToolExecuted, nil, "")
		require.NoError(t, err)
	}
	events := s.GetRecent(0)

	// Splice out event 3: event 4's PrevHash no longer matches.
	spliced := append(events[:2:2], events[3:]...)
	report := VerifyEventChain(spliced)
	assert.False(t, report.Valid)
	assert.Equal(t, events[3].SequenceID, report.FirstInvalid)
}

func TestVerifyEventChainEmpty(t *testing.T) {
	report := VerifyEventChain(nil)
	assert.True(t, report.Valid)
	assert.Zero(t, report.Checked)
}
