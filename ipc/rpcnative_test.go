package ipc_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/ipc"
	"github.com/ggoodman/nucleus-ipc-go/rpc"
	"github.com/ggoodman/nucleus-ipc-go/rpc/rpctest"
)

func rpcHandle(t *testing.T, srv *rpctest.Server, token string) *ipc.Handle {
	t.Helper()
	h := ipc.NewHandle(ipc.NewRPCNative(ipc.RPCConfig{SocketPath: srv.Path, AuthToken: token}))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestRPCNativeDeferUpdate(t *testing.T) {
	srv := rpctest.NewServer(t, rpctest.WithAuthToken("svcuid"))
	h := rpcHandle(t, srv, "svcuid")

	if err := h.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Connect(testContext(t)); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := srv.Connects(); got != 1 {
		t.Fatalf("server connects = %d, want 1", got)
	}

	if _, err := ipc.Execute[struct{}](testContext(t), h, deferModel, deferRequest{RecheckAfterMs: 30000}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	reqs := srv.Requests()
	if len(reqs) != 1 || reqs[0].Operation != deferModel.Name || reqs[0].ServiceModelType != deferModel.RequestType {
		t.Fatalf("requests = %+v", reqs)
	}
	if !strings.Contains(string(reqs[0].Payload), `"recheckAfterMs":30000`) {
		t.Fatalf("payload = %s", reqs[0].Payload)
	}
	if got := h.State(); got != ipc.Connected {
		t.Fatalf("state = %s, want connected", got)
	}
}

func TestRPCNativeConnectRejected(t *testing.T) {
	srv := rpctest.NewServer(t, rpctest.WithAuthToken("svcuid"))
	h := rpcHandle(t, srv, "wrong")

	err := h.Connect(testContext(t))
	if !strings.Contains(err.Error(), rpc.CodeAccessDenied) {
		t.Fatalf("error %v does not carry %s", err, rpc.CodeAccessDenied)
	}
	if got := h.State(); got != ipc.Disconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}

func TestRPCNativeApplicationError(t *testing.T) {
	srv := rpctest.NewServer(t)
	srv.Handle(deferModel.Name, func(s *rpctest.Stream, _ rpctest.Request) {
		_ = s.Error("ResourceNotFoundError", "deployment not found", true)
	})
	h := rpcHandle(t, srv, "")
	if err := h.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := ipc.Execute[struct{}](testContext(t), h, deferModel, deferRequest{RecheckAfterMs: 1})
	var oe *ipc.OperationError
	if !errors.As(err, &oe) || oe.Kind != ipc.KindApplication {
		t.Fatalf("want application error, got %v", err)
	}
	if oe.Message != "deployment not found" {
		t.Fatalf("message = %q", oe.Message)
	}
	var ae *ipc.ApplicationError
	if !errors.As(err, &ae) || ae.Code != "ResourceNotFoundError" {
		t.Fatalf("application error = %#v", ae)
	}
}

func TestRPCNativeSubscription(t *testing.T) {
	srv := rpctest.NewServer(t)
	srv.Handle(updatesModel.Name, func(s *rpctest.Stream, _ rpctest.Request) {
		_ = s.Respond(struct{}{}, false)
	})
	h := rpcHandle(t, srv, "")
	if err := h.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r := newRecorder()
	sub, err := ipc.Subscribe(testContext(t), h, updatesModel, struct{}{}, r)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	st := srv.WaitStream(t, updatesModel.Name, time.Second)

	_ = st.Event(postUpdate("d-0"))
	_ = st.Event(preUpdate("d-1"))
	r.wait(t, 1)
	got, _ := r.snapshot()
	if len(got) != 1 || got[0].ID != "d-1" {
		t.Fatalf("notifications = %+v", got)
	}

	_ = st.Terminate()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end on server terminate")
	}
	if got := sub.State(); got != ipc.SessionClosed || sub.Err() != nil {
		t.Fatalf("state = %s, err = %v, want clean close", got, sub.Err())
	}
	if _, closes := r.snapshot(); closes != 1 {
		t.Fatalf("notifier closed %d times, want 1", closes)
	}
}

func TestRPCNativeSubscriptionConnectionLoss(t *testing.T) {
	srv := rpctest.NewServer(t)
	srv.Handle(updatesModel.Name, func(s *rpctest.Stream, _ rpctest.Request) {
		_ = s.Respond(struct{}{}, false)
	})
	h := rpcHandle(t, srv, "")
	if err := h.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sub, err := ipc.Subscribe(testContext(t), h, updatesModel, struct{}{}, newRecorder())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	srv.WaitStream(t, updatesModel.Name, time.Second)

	srv.DropConnections()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription survived connection loss")
	}
	if got := sub.State(); got != ipc.SessionErrored {
		t.Fatalf("state = %s, want errored", got)
	}
	if sub.Err() == nil {
		t.Fatal("connection loss must be reported by Err")
	}
}

func TestRPCNativeConnectionLoss(t *testing.T) {
	srv := rpctest.NewServer(t)
	h := rpcHandle(t, srv, "")
	if err := h.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	srv.DropConnections()
	deadline := time.Now().Add(2 * time.Second)
	for h.State() != ipc.Failed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.State(); got != ipc.Failed {
		t.Fatalf("state = %s, want failed", got)
	}

	if err := h.Connect(testContext(t)); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := srv.Connects(); got != 2 {
		t.Fatalf("server connects = %d, want 2", got)
	}
}
