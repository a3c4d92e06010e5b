package main

import (
	"time"

	"github.com/liamcoop/riskrules/engine"
	"github.com/liamcoop/riskrules/rules"
	"github.com/liamcoop/riskrules/versionstore"
)

// API request and response models

// DeployRequest is the optional body of a deploy call
type DeployRequest struct {
	Description string `json:"description" example:"release 42"`
	DeployedBy  string `json:"deployedBy" example:"jane.doe"`
} // @name DeployRequest

// ActivateRequest is the optional body of a rollback call
type ActivateRequest struct {
	Actor string `json:"actor" example:"jane.doe"`
} // @name ActivateRequest

// ContainerResponse describes the container serving fire calls
type ContainerResponse struct {
	FactType   rules.FactType         `json:"factType" example:"Declaration"`
	Version    int                    `json:"version" example:"3"`
	BuildID    string                 `json:"buildId" example:"123e4567-e89b-12d3-a456-426614174000"`
	RulesHash  string                 `json:"rulesHash"`
	RulesCount int                    `json:"rulesCount" example:"12"`
	Rules      []versionstore.RuleRef `json:"rules"`
} // @name ContainerResponse

func newContainerResponse(a *engine.Artifact) ContainerResponse {
	refs := a.Rules
	if refs == nil {
		refs = []versionstore.RuleRef{}
	}
	return ContainerResponse{
		FactType:   a.FactType,
		Version:    a.Version,
		BuildID:    a.BuildID,
		RulesHash:  a.Hash,
		RulesCount: a.RulesCount(),
		Rules:      refs,
	}
}

// VersionsResponse lists the ledger of one fact type, newest first
type VersionsResponse struct {
	FactType rules.FactType                   `json:"factType"`
	Versions []*versionstore.ContainerVersion `json:"versions"`
} // @name VersionsResponse

// FieldsResponse lists the addressable fields of one fact type
type FieldsResponse struct {
	FactType rules.FactType    `json:"factType"`
	Fields   []rules.FieldInfo `json:"fields"`
} // @name FieldsResponse

// FactTypeStatus is one entry of the health response
type FactTypeStatus struct {
	FactType rules.FactType `json:"factType"`
	Version  *int           `json:"version"`
} // @name FactTypeStatus

// HealthResponse reports database reachability and live containers
type HealthResponse struct {
	Status    string           `json:"status" example:"healthy"`
	FactTypes []FactTypeStatus `json:"factTypes"`
	Time      time.Time        `json:"time"`
} // @name HealthResponse

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error" example:"container not found"`
	Kind    string `json:"kind,omitempty" example:"missing_identifier"`
	Details string `json:"details,omitempty"`
} // @name ErrorResponse
