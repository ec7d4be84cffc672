// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package attest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

const allowAllPolicy = `package verification

default allow := false

allow if {
	input.attestation.predicateType == "https://slsa.dev/provenance/v1"
}
`

const denyAllPolicy = `package verification

default allow := false
`

func envelope(t *testing.T, subjectHex, predicateType string) []byte {
	t.Helper()
	payload := map[string]any{
		"predicateType": predicateType,
		"subject": []any{
			map[string]any{"digest": map[string]any{"sha256": subjectHex}},
		},
		"predicate": map[string]any{
			"invocation": map[string]any{
				"configSource": map[string]any{"uri": "git+https://github.com/example/repo"},
			},
		},
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	envelopeBytes, err := json.Marshal(map[string]string{
		"payloadType": "application/vnd.in-toto+json",
		"payload":     base64.StdEncoding.EncodeToString(payloadBytes),
	})
	if err != nil {
		t.Fatal(err)
	}
	return envelopeBytes
}

func TestVerifySLSAProvenance(t *testing.T) {
	subjectHex := strings.Repeat("ab", 32)
	ctx := context.Background()

	tests := map[string]struct {
		envelope []byte
		config   VerificationConfig
		wantErr  string
	}{
		"valid without policy": {
			envelope: envelope(t, subjectHex, "https://slsa.dev/provenance/v1"),
			config:   VerificationConfig{},
		},
		"valid with allowing policy": {
			envelope: envelope(t, subjectHex, "https://slsa.dev/provenance/v1"),
			config:   VerificationConfig{"policy_content": allowAllPolicy},
		},
		"policy denies": {
			envelope: envelope(t, subjectHex, "https://slsa.dev/provenance/v1"),
			config:   VerificationConfig{"policy_content": denyAllPolicy},
			wantErr:  "policy verification failed",
		},
		"wrong subject digest": {
			envelope: envelope(t, strings.Repeat("cd", 32), "https://slsa.dev/provenance/v1"),
			config:   VerificationConfig{},
			wantErr:  "no matching subject",
		},
		"unsupported predicate": {
			envelope: envelope(t, subjectHex, "https://example.com/other"),
			config:   VerificationConfig{},
			wantErr:  "unsupported predicate type",
		},
		"garbage envelope": {
			envelope: []byte("not json"),
			config:   VerificationConfig{},
			wantErr:  "parsing DSSE envelope",
		},
		"missing payload": {
			envelope: []byte(`{"payloadType":"x"}`),
			config:   VerificationConfig{},
			wantErr:  "no payload found",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := VerifySLSAProvenance(ctx, tc.envelope, subjectHex, tc.config)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestVerifyCosignSignature(t *testing.T) {
	digest := "sha256:" + strings.Repeat("ab", 32)

	tests := map[string]struct {
		content []byte
		wantErr bool
	}{
		"matching cosign payload": {
			content: []byte(`{"critical":{"image":{"docker-manifest-digest":"` + digest + `"}}}`),
		},
		"mismatching cosign payload": {
			content: []byte(`{"critical":{"image":{"docker-manifest-digest":"sha256:` + strings.Repeat("cd", 32) + `"}}}`),
			wantErr: true,
		},
		"binary signature accepted": {
			content: []byte(strings.Repeat("\x01", 64)),
		},
		"empty rejected": {
			content: nil,
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := VerifyCosignSignature(tc.content, digest)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ATTESTATION_POLICY", `{"policy_content":"package verification\n\ndefault allow := true\n"}`)
	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := config["policy_content"].(string); !ok {
		t.Error("expected policy_content in config")
	}

	t.Setenv("ATTESTATION_POLICY", "")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error when ATTESTATION_POLICY unset")
	}
}
