package sv2

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bardlex/ehashpool/pkg/log"
)

func TestSession_EchoesFrames(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession("test", server, log.Nop(), time.Second, time.Second)
	echo := FrameHandlerFunc(func(_ context.Context, s *Session, f Frame) error {
		f.MsgType++
		return s.Send(f)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- session.Start(ctx, echo) }()

	if err := client.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	if err := WriteFrame(client, Frame{ExtensionType: ExtensionTypeMintQuote, MsgType: 0x80, Payload: []byte{9}}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.MsgType != 0x81 || len(got.Payload) != 1 || got.Payload[0] != 9 {
		t.Errorf("echo frame = %+v", got)
	}

	client.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v after peer disconnect, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after peer disconnect")
	}
}

func TestSession_SendAfterClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	session := NewSession("closed", server, log.Nop(), 0, time.Second)
	session.Close()
	session.Close()

	if err := session.Send(Frame{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send() after Close = %v, want ErrSessionClosed", err)
	}
	select {
	case <-session.Done():
	default:
		t.Error("Done() should be closed")
	}
}

func TestSession_ContextCancelStopsRead(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	session := NewSession("cancel", server, log.Nop(), 0, time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Start(ctx, FrameHandlerFunc(func(context.Context, *Session, Frame) error { return nil }))
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on context cancel")
	}
}
