package core

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerSinks(t *testing.T) {
	l := NewLogger(LogConfig{Level: "error", Components: map[string]string{"Route": "debug"}})
	assert.Equal(t, LevelDebug, l.levelFor("route"))
	assert.Equal(t, LevelError, l.levelFor("WFP"))

	var got []string
	remove := l.AddSink(LevelWarn, func(level LogLevel, tag, msg string) {
		got = append(got, fmt.Sprintf("%s/%s/%s", level, tag, msg))
	})
	l.Infof("Route", "quiet")
	l.Warnf("Route", "loud %d", 1)
	remove()
	remove()
	l.Errorf("Route", "after remove")

	assert.Equal(t, []string{LevelWarn.String() + "/Route/loud 1"}, got)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel(" Warning "))
	assert.Equal(t, LevelOff, ParseLevel("none"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestOsErrorCarriesCode(t *testing.T) {
	assert.Nil(t, OsError("op", nil))

	err := OsError("[Route] add", fmt.Errorf("wrapped: %w", syscall.Errno(5)))
	var osErr *OsOperationError
	assert.True(t, errors.As(err, &osErr))
	assert.Equal(t, uint32(5), osErr.Code)
	assert.Same(t, err, OsError("outer", err))

	assert.True(t, IsAlreadyActive(fmt.Errorf("x: %w", &AlreadyActiveError{Component: "monitor"})))
	assert.Equal(t, "conflicting entry for 10.0.0.0/8 via eth0", (&ConflictError{Network: "10.0.0.0/8", Owner: "eth0"}).Error())
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	var n int
	unsub := bus.Subscribe(EventPolicyApplied, func(Event) { n++ })
	bus.Publish(Event{Type: EventPolicyApplied})
	bus.Publish(Event{Type: EventPolicyReset})
	unsub()
	bus.Publish(Event{Type: EventPolicyApplied})
	assert.Equal(t, 1, n)
	assert.Equal(t, "policy_applied", EventPolicyApplied.String())
}
