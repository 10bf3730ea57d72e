package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/greengrass"
	"github.com/ggoodman/nucleus-ipc-go/rpc/rpctest"
)

func nucleus(t *testing.T) *rpctest.Server {
	t.Helper()
	srv := rpctest.NewServer(t, rpctest.WithAuthToken("svcuid"))
	t.Setenv(greengrass.EnvSocketPath, srv.Path)
	t.Setenv(greengrass.EnvAuthToken, "svcuid")
	return srv
}

func TestRunSchema(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run([]string{"schema"}, &out, &errOut); err != nil {
		t.Fatalf("schema: %v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("schema output is not JSON: %v", err)
	}
	if _, ok := got[greengrass.DeferComponentUpdateModel.RequestType]; !ok {
		t.Fatalf("missing %s in %v", greengrass.DeferComponentUpdateModel.RequestType, got)
	}
}

func TestRunUsageErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(nil, &out, &errOut); err == nil {
		t.Fatal("missing command should fail")
	}
	if !strings.Contains(errOut.String(), "usage: ggipc") {
		t.Fatalf("usage not printed: %q", errOut.String())
	}
	if err := run([]string{"bogus"}, &out, &errOut); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("unknown command error = %v", err)
	}
	if err := run([]string{"state", "sleeping"}, &out, &errOut); err == nil {
		t.Fatal("invalid lifecycle state should fail before connecting")
	}
}

func TestRunConnect(t *testing.T) {
	srv := nucleus(t)

	var out, errOut bytes.Buffer
	if err := run([]string{"connect"}, &out, &errOut); err != nil {
		t.Fatalf("connect: %v (log: %s)", err, errOut.String())
	}
	if !strings.Contains(out.String(), "connected to "+srv.Path) {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunConnectWithoutEnvironment(t *testing.T) {
	t.Setenv(greengrass.EnvSocketPath, "")
	t.Setenv(greengrass.EnvAuthToken, "")

	var out, errOut bytes.Buffer
	err := run([]string{"connect"}, &out, &errOut)
	if err == nil || !strings.Contains(err.Error(), greengrass.EnvSocketPath) {
		t.Fatalf("want error naming %s, got %v", greengrass.EnvSocketPath, err)
	}
}

func TestRunState(t *testing.T) {
	srv := nucleus(t)

	var out, errOut bytes.Buffer
	if err := run([]string{"state", "ERRORED"}, &out, &errOut); err != nil {
		t.Fatalf("state: %v", err)
	}
	var saw bool
	for _, r := range srv.Requests() {
		if r.Operation == greengrass.UpdateStateModel.Name {
			saw = true
			if string(r.Payload) != `{"state":"ERRORED"}` {
				t.Fatalf("payload = %s", r.Payload)
			}
		}
	}
	if !saw {
		t.Fatal("UpdateState was not sent")
	}
}

func TestRunDeferExplicitDeployment(t *testing.T) {
	srv := nucleus(t)

	const id = "5b3c9f0e-7a43-4b8e-9c1d-2f6a0e4d8b11"
	var out, errOut bytes.Buffer
	err := run([]string{"defer", "-recheck", "2s", "-deployment", id, "-message", "busy"}, &out, &errOut)
	if err != nil {
		t.Fatalf("defer: %v", err)
	}

	var req greengrass.DeferComponentUpdateRequest
	for _, r := range srv.Requests() {
		if r.Operation == greengrass.DeferComponentUpdateModel.Name {
			if err := json.Unmarshal(r.Payload, &req); err != nil {
				t.Fatal(err)
			}
		}
	}
	if req.DeploymentID != id || req.RecheckAfterMs != 2000 || req.Message != "busy" {
		t.Fatalf("request = %+v", req)
	}
}

func TestRunWatchFailsOnConnectionLoss(t *testing.T) {
	srv := nucleus(t)
	srv.Handle(greengrass.SubscribeToComponentUpdatesModel.Name, func(s *rpctest.Stream, _ rpctest.Request) {
		_ = s.Respond(greengrass.SubscribeToComponentUpdatesResponse{}, false)
	})

	var out, errOut bytes.Buffer
	errc := make(chan error, 1)
	go func() { errc <- run([]string{"watch"}, &out, &errOut) }()

	srv.WaitStream(t, greengrass.SubscribeToComponentUpdatesModel.Name, 5*time.Second)
	srv.DropConnections()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("watch should fail when the nucleus goes away")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after connection loss")
	}
}
