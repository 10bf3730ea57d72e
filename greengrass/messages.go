package greengrass

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/nucleus-ipc-go/ipc"
	"github.com/ggoodman/nucleus-ipc-go/notify"
)

const serviceNamespace = "aws.greengrass#"

func model(name string) ipc.OperationModel {
	return ipc.OperationModel{
		Name:        serviceNamespace + name,
		RequestType: serviceNamespace + name + "Request",
	}
}

// Operation models used by Client.
var (
	DeferComponentUpdateModel        = model("DeferComponentUpdate")
	SubscribeToComponentUpdatesModel = model("SubscribeToComponentUpdates")
	UpdateStateModel                 = model("UpdateState")
)

// Event kinds of the component update union.
const (
	PreUpdateEvent  = ipc.PreUpdateEventKind
	PostUpdateEvent = "postUpdateEvent"
)

// DeferComponentUpdateRequest asks the nucleus to postpone a deployment.
// RecheckAfterMs of 0 lets the update proceed.
type DeferComponentUpdateRequest struct {
	DeploymentID   string `json:"deploymentId" jsonschema:"required,format=uuid,description=Deployment to defer"`
	Message        string `json:"message,omitempty" jsonschema:"description=Reason shown in the deployment status"`
	RecheckAfterMs uint64 `json:"recheckAfterMs" jsonschema:"required,description=Milliseconds until the nucleus asks again; 0 proceeds"`
}

type DeferComponentUpdateResponse struct{}

type SubscribeToComponentUpdatesRequest struct{}

type SubscribeToComponentUpdatesResponse struct{}

// ComponentUpdatePolicyEvents is the union carried by each stream event.
// Exactly one member is set.
type ComponentUpdatePolicyEvents struct {
	PreUpdateEvent  *PreComponentUpdateEvent  `json:"preUpdateEvent,omitempty"`
	PostUpdateEvent *PostComponentUpdateEvent `json:"postUpdateEvent,omitempty"`
}

type PreComponentUpdateEvent struct {
	DeploymentID    string `json:"deploymentId" jsonschema:"format=uuid"`
	IsGgcRestarting bool   `json:"isGgcRestarting"`
}

type PostComponentUpdateEvent struct {
	DeploymentID string `json:"deploymentId" jsonschema:"format=uuid"`
}

// LifecycleState is the component state reported with UpdateState.
type LifecycleState string

const (
	StateRunning LifecycleState = "RUNNING"
	StateErrored LifecycleState = "ERRORED"
)

// ParseLifecycleState accepts RUNNING or ERRORED.
func ParseLifecycleState(s string) (LifecycleState, error) {
	switch st := LifecycleState(s); st {
	case StateRunning, StateErrored:
		return st, nil
	}
	return "", fmt.Errorf("greengrass: unknown lifecycle state %q (want RUNNING or ERRORED)", s)
}

type UpdateStateRequest struct {
	State LifecycleState `json:"state" jsonschema:"required,enum=RUNNING,enum=ERRORED"`
}

type UpdateStateResponse struct{}

// DecodeComponentUpdate decodes a component update stream event. Payloads
// wrapped in a "messages" envelope are unwrapped first.
func DecodeComponentUpdate(payload []byte) (notify.Event, error) {
	var envelope struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Messages) > 0 && string(envelope.Messages) != "null" {
		payload = envelope.Messages
	}
	return ipc.DecodeUnionEvent(payload)
}
