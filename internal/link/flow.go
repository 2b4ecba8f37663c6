package link

// FlowState is the link portion of a flow performative.
type FlowState struct {
	DeliveryCount uint32
	LinkCredit    uint32
	Available     uint32
	Drain         bool
	Echo          bool
}
