// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package attest verifies SLSA provenance attestations (DSSE envelopes
// evaluated against an operator-supplied Rego policy) and cosign signatures,
// entirely offline.
package attest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/infraweave-io/infraweave/internal/defs"
)

var logger = hclog.Default().Named("attest")

// VerificationConfig is operator-supplied configuration; the Rego policy
// source lives under "policy_content".
type VerificationConfig map[string]any

// LoadConfig reads the verification configuration from ATTESTATION_POLICY.
func LoadConfig() (VerificationConfig, error) {
	raw := os.Getenv("ATTESTATION_POLICY")
	if raw == "" {
		return nil, fmt.Errorf("ATTESTATION_POLICY is not set")
	}
	var config VerificationConfig
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return nil, fmt.Errorf("parsing ATTESTATION_POLICY: %w", err)
	}
	return config, nil
}

// LoadConfigFromFile reads verification configuration from a JSON file,
// taking precedence over the environment when a path is given.
func LoadConfigFromFile(path string) (VerificationConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading verification config: %w", err)
	}
	var config VerificationConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("parsing verification config %s: %w", path, err)
	}
	return config, nil
}

type dsseEnvelope struct {
	Payload     string `json:"payload"`
	PayloadType string `json:"payloadType"`
}

// VerifySLSAProvenance checks a DSSE envelope: the decoded payload must name
// subjectDigestHex among its subjects and carry a SLSA provenance predicate.
// When the config carries policy content, the payload must also satisfy
// data.verification.allow.
func VerifySLSAProvenance(ctx context.Context, envelopeBytes []byte, subjectDigestHex string, config VerificationConfig) error {
	var envelope dsseEnvelope
	if err := json.Unmarshal(envelopeBytes, &envelope); err != nil {
		return defs.Integrityf("parsing DSSE envelope: %v", err)
	}
	if envelope.Payload == "" {
		return defs.Integrityf("no payload found in DSSE envelope")
	}

	payloadBytes, err := base64.StdEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return defs.Integrityf("decoding DSSE payload: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return defs.Integrityf("parsing attestation payload: %v", err)
	}

	subjects, ok := payload["subject"].([]any)
	if !ok {
		return defs.Integrityf("no subject found in attestation payload")
	}
	if !subjectMatches(subjects, subjectDigestHex) {
		return defs.Integrityf("no matching subject found in attestation for digest %s", subjectDigestHex)
	}

	predicateType, _ := payload["predicateType"].(string)
	if predicateType == "" {
		return defs.Integrityf("missing predicateType in attestation")
	}
	if !strings.Contains(predicateType, "slsa.dev/provenance") {
		return defs.Integrityf("unsupported predicate type %q", predicateType)
	}
	logger.Debug("attestation subject and predicate verified",
		"digest", subjectDigestHex, "predicateType", predicateType)

	if _, ok := config["policy_content"].(string); !ok {
		logger.Info("no policy content provided, skipping policy-based verification")
		return nil
	}
	return VerifyWithPolicy(ctx, payload, config)
}

func subjectMatches(subjects []any, subjectDigestHex string) bool {
	for _, s := range subjects {
		subj, ok := s.(map[string]any)
		if !ok {
			continue
		}
		digests, ok := subj["digest"].(map[string]any)
		if !ok {
			continue
		}
		if hex, ok := digests["sha256"].(string); ok && hex == subjectDigestHex {
			return true
		}
	}
	return false
}

// VerifyWithPolicy evaluates data.verification.allow with input
// {attestation, config}; anything but boolean true is a denial.
func VerifyWithPolicy(ctx context.Context, payload map[string]any, config VerificationConfig) error {
	policyContent, ok := config["policy_content"].(string)
	if !ok || policyContent == "" {
		return fmt.Errorf("no policy content found in configuration")
	}

	query, err := rego.New(
		rego.Query("data.verification.allow"),
		rego.Module("verification_policy.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("loading verification policy: %w", err)
	}

	input := map[string]any{
		"attestation": payload,
		"config":      map[string]any(config),
	}
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("evaluating verification policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return defs.Integrityf("policy evaluation returned no result")
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return defs.Integrityf("policy evaluation returned non-boolean result")
	}
	if !allowed {
		return defs.Integrityf("policy verification failed: all conditions must be met for verification to pass")
	}
	logger.Info("policy verification passed")
	return nil
}

// VerifyCosignSignature validates a signature blob against the expected
// manifest digest. JSON payloads must reference the digest in
// critical.image.docker-manifest-digest; binary signatures are accepted with
// a size sanity check.
func VerifyCosignSignature(content []byte, subjectDigest string) error {
	if len(content) == 0 {
		return defs.Integrityf("signature content is empty")
	}

	var payload struct {
		Critical struct {
			Image struct {
				DockerManifestDigest string `json:"docker-manifest-digest"`
			} `json:"image"`
		} `json:"critical"`
	}
	if err := json.Unmarshal(content, &payload); err != nil {
		logger.Warn("signature is not JSON, treating as binary", "bytes", len(content))
		if len(content) < 32 {
			logger.Warn("signature is unusually small", "bytes", len(content))
		}
		return nil
	}

	sigDigest := payload.Critical.Image.DockerManifestDigest
	if sigDigest == "" {
		// Not a cosign payload shape; nothing further to check offline.
		return nil
	}
	if !strings.Contains(sigDigest, subjectDigest) {
		return defs.Integrityf("signature references incorrect image digest: %s vs %s", sigDigest, subjectDigest)
	}
	logger.Debug("signature references correct image digest", "digest", sigDigest)
	return nil
}
