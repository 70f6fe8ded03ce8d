// Package observability — broker-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Broker-specific semantic convention attributes.
var (
	// Session/connection attributes
	AttrSessionID = attribute.Key("neuron.session.id")
	AttrPatientID = attribute.Key("neuron.patient.agent_id")

	// Relationship store attributes (C4)
	AttrRelationshipID     = attribute.Key("neuron.relationship.id")
	AttrRelationshipStatus = attribute.Key("neuron.relationship.status")
	AttrRelationshipAction = attribute.Key("neuron.relationship.action")

	// Consent attributes (C3)
	AttrConsentAction  = attribute.Key("neuron.consent.action")
	AttrConsentGranted = attribute.Key("neuron.consent.granted")

	// Admission control attributes (C7)
	AttrAdmissionDomain   = attribute.Key("neuron.admission.domain")
	AttrAdmissionDecision = attribute.Key("neuron.admission.decision")
	AttrAdmissionLatency  = attribute.Key("neuron.admission.latency_ms")

	// Axon registry attributes (C9)
	AttrAxonRegistrationID = attribute.Key("neuron.axon.registration_id")
	AttrAxonHealth         = attribute.Key("neuron.axon.health")

	// KMS/crypto attributes
	AttrCryptoAlgorithm = attribute.Key("neuron.crypto.algorithm")
	AttrCryptoOperation = attribute.Key("neuron.crypto.operation")
	AttrCryptoKeyID     = attribute.Key("neuron.crypto.key_id")
)

// RelationshipOperation creates attributes for a relationship store mutation.
func RelationshipOperation(relationshipID, status, action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRelationshipID.String(relationshipID),
		AttrRelationshipStatus.String(status),
		AttrRelationshipAction.String(action),
	}
}

// ConsentOperation creates attributes for a consent verification.
func ConsentOperation(patientAgentID, action string, granted bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPatientID.String(patientAgentID),
		AttrConsentAction.String(action),
		AttrConsentGranted.Bool(granted),
	}
}

// AdmissionOperation creates attributes for an admission control decision.
func AdmissionOperation(domain, decision string, latencyMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAdmissionDomain.String(domain),
		AttrAdmissionDecision.String(decision),
		AttrAdmissionLatency.Float64(latencyMs),
	}
}

// AxonOperation creates attributes for an Axon registry interaction.
func AxonOperation(registrationID, health string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAxonRegistrationID.String(registrationID),
		AttrAxonHealth.String(health),
	}
}

// CryptoOperation creates attributes for a KMS operation.
func CryptoOperation(algorithm, operation, keyID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCryptoAlgorithm.String(algorithm),
		AttrCryptoOperation.String(operation),
		AttrCryptoKeyID.String(keyID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err (if any) against the current span.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
