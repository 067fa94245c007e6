package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoggerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, logger.Record(ctx, NewMutationEvent(EventTypeNodeCreate, "folder", 1, "Docs", "created folder Docs")))
	require.NoError(t, logger.Record(ctx, NewDecisionEvent(7, "folder", 1, "read", false, "no matching grants")))
	require.NoError(t, logger.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, lines, 2)
	assert.Equal(t, EventTypeNodeCreate, lines[0].EventType)
	assert.Equal(t, EventStatusDenied, lines[1].Status)
	assert.Equal(t, "read", lines[1].Action)
}

func TestFileLoggerClosedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	err = logger.Record(context.Background(), &Event{EventType: EventTypeNodeCreate, Status: EventStatusSuccess})
	assert.Error(t, err)
}

type recordingSink struct {
	events []*Event
	err    error
	closed bool
}

func (s *recordingSink) Record(_ context.Context, event *Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestMultiLoggerFanOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	multi := NewMultiLogger(a, b)

	event := NewMutationEvent(EventTypeNodeMove, "folder", 3, "Reports", "moved folder Reports")
	require.NoError(t, multi.Record(context.Background(), event))

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)

	require.NoError(t, multi.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestMultiLoggerPartialFailure(t *testing.T) {
	a := &recordingSink{err: fmt.Errorf("disk full")}
	b := &recordingSink{}
	multi := NewMultiLogger(a, b)

	err := multi.Record(context.Background(), &Event{EventType: EventTypeNodeCreate, Status: EventStatusSuccess})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// healthy sink still received the event
	assert.Len(t, b.events, 1)
}

func TestNoopLogger(t *testing.T) {
	var logger NoopLogger
	assert.NoError(t, logger.Record(context.Background(), &Event{}))
	assert.NoError(t, logger.Close())
}
