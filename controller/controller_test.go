package controller

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iwanders/surface-serial-hub/frame"
	"github.com/iwanders/surface-serial-hub/internal/logging"
	"github.com/iwanders/surface-serial-hub/link"
	"github.com/iwanders/surface-serial-hub/request"
	"github.com/iwanders/surface-serial-hub/sshtransport"
)

func fastTestConfig() request.Config {
	return request.Config{WriteTimeout: 200 * time.Millisecond, ReadTimeout: 200 * time.Millisecond, NumRetry: 3}
}

func waitForWrites(t *testing.T, mock *link.MockPort, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if writes := mock.Writes(); len(writes) >= n {
			return writes
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes", n)
	return nil
}

func seqOfMsg(msg []byte) uint8 { return msg[frame.SynLen+3] }

func ackFor(t *testing.T, msg []byte) []byte {
	t.Helper()
	buf := make([]byte, frame.MaxMessageLen)
	n, err := frame.EncodeControlMessage(buf, frame.TypeAck, seqOfMsg(msg))
	require.NoError(t, err)
	return buf[:n]
}

func probe(t *testing.T, c *Controller, mock *link.MockPort) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Probe() }()

	writes := waitForWrites(t, mock, 1)
	mock.Deliver(ackFor(t, writes[0]))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Probe did not return")
	}
}

func TestProbeTransitionsToInitialized(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)
	require.Equal(t, Initialized, c.State())
}

func TestRequestFailsWhenNotInitialized(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))

	err := c.Request(sshtransport.Request{TargetCategory: 1, CommandID: 2}, nil)
	var te *sshtransport.Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, sshtransport.ErrNotInitialized, te.Code)
}

func TestRequestRoundTripWithResponse(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)

	done := make(chan error, 1)
	resp := &sshtransport.ResponseBuffer{Data: make([]byte, 8)}
	expectRqid := c.idSpace.FromCounter(c.rqidCtr)
	go func() {
		req := sshtransport.Request{TargetCategory: 0x11, CommandID: 0x2a, SNC: true}
		done <- c.Request(req, resp)
	}()

	writes := waitForWrites(t, mock, 2) // resume (#1) already happened; this is write #2
	reqMsg := writes[1]
	seq := seqOfMsg(reqMsg)

	ackBuf := make([]byte, frame.MaxMessageLen)
	n, err := frame.EncodeControlMessage(ackBuf, frame.TypeAck, seq)
	require.NoError(t, err)
	mock.Deliver(ackBuf[:n])

	respBuf := make([]byte, frame.MaxMessageLen)
	cf := frame.CommandFrame{
		TargetCategory: 0x11, Flags1: frame.Flags1Response, Flags2: frame.Flags2Response,
		RequestID: expectRqid, CommandID: 0x2a, Payload: []byte{0x42},
	}
	rn, err := frame.EncodeCommandMessage(respBuf, seq, cf)
	require.NoError(t, err)
	mock.Deliver(respBuf[:rn])

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Request did not return")
	}
	require.Equal(t, []byte{0x42}, resp.Filled())
}

func TestShortCircuitBaseStatusNeverTouchesWire(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()), WithShortCircuitBaseStatus())
	probe(t, c, mock)

	writesBefore := len(mock.Writes())
	resp := &sshtransport.ResponseBuffer{Data: make([]byte, 4)}
	req := sshtransport.Request{TargetCategory: baseStatusTC, InstanceID: baseStatusIID, CommandID: baseStatusCID, SNC: true}
	err := c.Request(req, resp)

	require.NoError(t, err)
	require.Equal(t, []byte{baseStatusAttached}, resp.Filled())
	require.Equal(t, writesBefore, len(mock.Writes()), "short-circuited request must not touch the wire")
}

func TestEventDispatchThroughFullStack(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)

	eventRqid := c.idSpace.Mask()
	received := make(chan []byte, 1)
	c.SetEventHandler(eventRqid, func(payload []byte, userData interface{}) int {
		received <- payload
		return 0
	}, nil)

	buf := make([]byte, frame.MaxMessageLen)
	cf := frame.CommandFrame{
		TargetCategory: 0x05, Flags1: frame.Flags1Response, Flags2: frame.Flags2Response,
		RequestID: eventRqid, CommandID: 0x01, Payload: []byte{0x07},
	}
	n, err := frame.EncodeCommandMessage(buf, 42, cf)
	require.NoError(t, err)

	writesBefore := len(mock.Writes())
	mock.Deliver(buf[:n])

	select {
	case payload := <-received:
		require.Equal(t, []byte{0x07}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("event handler was not invoked")
	}

	waitForWrites(t, mock, writesBefore+1)
}

func TestRemoveTearsDownAndRejectsFurtherRequests(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)

	done := make(chan error, 1)
	go func() { done <- c.Remove() }()

	writes := waitForWrites(t, mock, 2) // resume, then suspend
	mock.Deliver(ackFor(t, writes[1]))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Remove did not return")
	}

	require.Equal(t, Uninitialized, c.State())
	err := c.Request(sshtransport.Request{TargetCategory: 1, CommandID: 2}, nil)
	var te *sshtransport.Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, sshtransport.ErrNotInitialized, te.Code)
}

func TestSuspendResumeCycle(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)

	suspendDone := make(chan error, 1)
	go func() { suspendDone <- c.Suspend() }()
	writes := waitForWrites(t, mock, 2)
	mock.Deliver(ackFor(t, writes[1]))
	require.NoError(t, <-suspendDone)
	require.Equal(t, Suspended, c.State())

	err := c.Request(sshtransport.Request{TargetCategory: 1, CommandID: 2}, nil)
	var te *sshtransport.Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, sshtransport.ErrSuspended, te.Code)

	resumeDone := make(chan error, 1)
	go func() { resumeDone <- c.Resume() }()
	writes = waitForWrites(t, mock, 3)
	mock.Deliver(ackFor(t, writes[2]))
	require.NoError(t, <-resumeDone)
	require.Equal(t, Initialized, c.State())
}

func TestEnableEventSourceRoundTrip(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)

	done := make(chan error, 1)
	eventRqid := c.idSpace.Mask()
	expectRqid := c.idSpace.FromCounter(c.rqidCtr)
	go func() { done <- c.EnableEventSource(0x05, 0x00, eventRqid) }()

	writes := waitForWrites(t, mock, 2) // resume (#1) already happened; this is write #2
	reqMsg := writes[1]
	seq := seqOfMsg(reqMsg)
	mock.Deliver(ackFor(t, reqMsg))

	respBuf := make([]byte, frame.MaxMessageLen)
	cf := frame.CommandFrame{
		TargetCategory: 0x05, Flags1: frame.Flags1Response, Flags2: frame.Flags2Response,
		RequestID: expectRqid, CommandID: cmdEnableEvent, Payload: []byte{0x00},
	}
	rn, err := frame.EncodeCommandMessage(respBuf, seq, cf)
	require.NoError(t, err)
	mock.Deliver(respBuf[:rn])

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("EnableEventSource did not return")
	}
}

func TestEnableEventSourceRejectsNonEventRequestID(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)

	writesBefore := len(mock.Writes())
	nonEventRqid := c.idSpace.FromCounter(1)
	err := c.EnableEventSource(0x05, 0x00, nonEventRqid)

	var te *sshtransport.Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, sshtransport.ErrInvalidArgument, te.Code)
	require.Equal(t, writesBefore, len(mock.Writes()), "rejected rqid must not touch the wire")
}

func TestDisableEventSourceRejectsNonEventRequestID(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)

	writesBefore := len(mock.Writes())
	nonEventRqid := c.idSpace.FromCounter(1)
	err := c.DisableEventSource(0x05, 0x00, nonEventRqid)

	var te *sshtransport.Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, sshtransport.ErrInvalidArgument, te.Code)
	require.Equal(t, writesBefore, len(mock.Writes()), "rejected rqid must not touch the wire")
}

type fakeConsumer struct {
	attached, detached int
	attachErr          error
}

func (f *fakeConsumer) Attach(c *Controller) error {
	f.attached++
	return f.attachErr
}

func (f *fakeConsumer) Detach(c *Controller) error {
	f.detached++
	return nil
}

func TestConsumerAddAttachesImmediately(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)

	consumer := &fakeConsumer{}
	require.NoError(t, c.ConsumerAdd(consumer))
	require.Equal(t, 1, consumer.attached)
	require.Equal(t, 0, consumer.detached)
}

func TestConsumerAddFailsWithoutRegistering(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)

	consumer := &fakeConsumer{attachErr: fmt.Errorf("device busy")}
	err := c.ConsumerAdd(consumer)
	require.Error(t, err)
	require.NoError(t, c.ConsumerRemove(consumer))
	require.Equal(t, 1, consumer.detached, "ConsumerRemove still calls Detach even for an unregistered consumer")
}

func TestRemoveDetachesRegisteredConsumers(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))
	probe(t, c, mock)

	consumer := &fakeConsumer{}
	require.NoError(t, c.ConsumerAdd(consumer))

	done := make(chan error, 1)
	go func() { done <- c.Remove() }()

	writes := waitForWrites(t, mock, 2) // resume, then suspend
	mock.Deliver(ackFor(t, writes[1]))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Remove did not return")
	}
	require.Equal(t, 1, consumer.detached)
}

// syncBuffer guards a bytes.Buffer so a test can poll output written by
// a background goroutine without racing the writer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestWithNameTagsLoggerForDownstreamComponents(t *testing.T) {
	buf := &syncBuffer{}
	log := logging.New(&logging.Config{Level: logging.LevelWarn, Output: buf})

	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()), WithLogger(log), WithName("bus0"))
	probe(t, c, mock)

	// Trigger a reassembler-side warning, which flows through the
	// logger this controller handed it at construction time.
	mock.Deliver([]byte{0xAA, 0xAA, 0, 0, 0, 0}) // invalid SYN marker

	deadline := time.Now().Add(time.Second)
	for buf.String() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Contains(t, buf.String(), "controller=bus0")
}

func TestRegistryRegisterGetUnregister(t *testing.T) {
	mock := link.NewMockPort()
	c := New(mock, WithConfig(fastTestConfig()))

	reg := NewRegistry()
	require.NoError(t, reg.Register("/dev/ttyS0", c))
	require.Error(t, reg.Register("/dev/ttyS0", c), "duplicate id must be rejected")

	got, ok := reg.Get("/dev/ttyS0")
	require.True(t, ok)
	require.Same(t, c, got)

	reg.Unregister("/dev/ttyS0")
	_, ok = reg.Get("/dev/ttyS0")
	require.False(t, ok)
}
