package greengrass

import (
	"github.com/invopop/jsonschema"
)

// ComponentUpdatePolicyEventsType is the service model type of component
// update stream events.
const ComponentUpdatePolicyEventsType = serviceNamespace + "ComponentUpdatePolicyEvents"

// Schemas returns the JSON Schema of every request and event payload this
// package sends or accepts, keyed by service model type.
func Schemas() map[string]*jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	return map[string]*jsonschema.Schema{
		DeferComponentUpdateModel.RequestType:        r.Reflect(new(DeferComponentUpdateRequest)),
		SubscribeToComponentUpdatesModel.RequestType: r.Reflect(new(SubscribeToComponentUpdatesRequest)),
		UpdateStateModel.RequestType:                 r.Reflect(new(UpdateStateRequest)),
		ComponentUpdatePolicyEventsType:              r.Reflect(new(ComponentUpdatePolicyEvents)),
	}
}
