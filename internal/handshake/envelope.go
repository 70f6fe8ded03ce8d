package handshake

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Wire envelope type discriminators. All handshake envelopes are
// single-line text JSON objects carrying a "type" field.
const (
	typeAuth              = "handshake.auth"
	typeChallengeResponse = "handshake.challenge_response"
	typeChallenge         = "handshake.challenge"
	typeComplete          = "handshake.complete"
	typeError             = "handshake.error"
)

// Close codes, per the wire protocol's error-code → close-code mapping.
const (
	closeSuccess         = 1000
	closeGracefulStop    = 1001
	closeAuthTimeout     = 4001
	closeInvalidMessage  = 4002
	closeConsentFailed   = 4003
	closeInternalFailure = 1011
)

type envelopeHeader struct {
	Type string `json:"type"`
}

const authSchemaJSON = `{
	"type": "object",
	"required": ["type", "consent_token_payload", "consent_token_signature", "patient_agent_id", "patient_public_key"],
	"properties": {
		"type": {"const": "handshake.auth"},
		"consent_token_signature": {"type": "string", "minLength": 1},
		"patient_agent_id": {"type": "string", "minLength": 1},
		"patient_public_key": {"type": "string", "minLength": 1},
		"patient_endpoint": {"type": "string"}
	}
}`

const challengeResponseSchemaJSON = `{
	"type": "object",
	"required": ["type", "signed_nonce"],
	"properties": {
		"type": {"const": "handshake.challenge_response"},
		"signed_nonce": {"type": "string", "minLength": 1}
	}
}`

var authSchema = mustCompileSchema("handshake-auth.json", authSchemaJSON)
var challengeResponseSchema = mustCompileSchema("handshake-challenge-response.json", challengeResponseSchemaJSON)

// mustCompileSchema compiles a schema held as an in-memory resource — the
// handshake envelopes never live on disk, so there is no schema file to
// load, only a literal to register. A bad literal is a programmer error
// caught at package init, not something a peer's frame could trigger.
func mustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader([]byte(schemaJSON))); err != nil {
		panic(fmt.Sprintf("handshake: invalid schema %s: %v", name, err))
	}
	return c.MustCompile(name)
}

// validateEnvelope checks raw against schema before the caller unmarshals
// it into a typed envelope struct — this catches a missing or
// wrong-typed required field with one specific error message instead of
// letting the zero-valued struct field fail somewhere downstream with a
// less precise one (e.g. Ed25519 verification rejecting an empty
// signature).
func validateEnvelope(schema *jsonschema.Schema, raw []byte) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

// inboundAuth is the handshake.auth envelope. ConsentTokenPayload is
// kept as raw bytes — it is the exact payload Ed25519 signed, and
// re-marshaling it through a Go struct would not reproduce those bytes.
type inboundAuth struct {
	Type                  string          `json:"type"`
	ConsentTokenPayload   json.RawMessage `json:"consent_token_payload"`
	ConsentTokenSignature string          `json:"consent_token_signature"`
	PatientAgentID        string          `json:"patient_agent_id"`
	PatientPublicKey      string          `json:"patient_public_key"`
	PatientEndpoint       string          `json:"patient_endpoint"`
}

// inboundChallengeResponse is the handshake.challenge_response envelope.
type inboundChallengeResponse struct {
	Type        string `json:"type"`
	SignedNonce string `json:"signed_nonce"`
}

type outboundChallenge struct {
	Type            string `json:"type"`
	Nonce           string `json:"nonce"`
	ProviderNPI     string `json:"provider_npi"`
	OrganizationNPI string `json:"organization_npi"`
}

type outboundComplete struct {
	Type             string `json:"type"`
	RelationshipID   string `json:"relationship_id"`
	ProviderEndpoint string `json:"provider_endpoint"`
	Status           string `json:"status"`
}

type outboundError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wireError is a terminal handshake failure: the error code sent in the
// handshake.error envelope, paired with the WebSocket close code that
// follows it.
type wireError struct {
	code      string
	closeCode int
	message   string
}

func (e *wireError) Error() string { return e.code + ": " + e.message }

func errAuthTimeout() *wireError {
	return &wireError{code: "AUTH_TIMEOUT", closeCode: closeAuthTimeout, message: "no handshake.auth received within the auth timeout"}
}

func errInvalidMessage(msg string) *wireError {
	return &wireError{code: "INVALID_MESSAGE", closeCode: closeInvalidMessage, message: msg}
}

func errConsentFailed(msg string) *wireError {
	return &wireError{code: "CONSENT_FAILED", closeCode: closeConsentFailed, message: msg}
}

func errConsentExpired(msg string) *wireError {
	return &wireError{code: "CONSENT_EXPIRED", closeCode: closeConsentFailed, message: msg}
}

func errInternal(msg string) *wireError {
	return &wireError{code: "INTERNAL", closeCode: closeInternalFailure, message: msg}
}

func errTooManyPending() *wireError {
	return &wireError{code: "TOO_MANY_PENDING", closeCode: closeInternalFailure, message: "challenge table at capacity"}
}
