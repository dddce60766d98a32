package models

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleSecretary Role = "secretary"
	RoleDriver    Role = "driver"
	RoleAssistant Role = "assistant"
)

// RefKind names a referenced entity whose existence the engine checks.
type RefKind string

const (
	RefDriver    RefKind = "driver"
	RefAssistant RefKind = "assistant"
	RefSecretary RefKind = "secretary"
	RefBus       RefKind = "bus"
	RefRoute     RefKind = "route"
	RefClient    RefKind = "client"
)
