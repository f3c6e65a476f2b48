package config

import "testing"

func TestResolveSecretRefWithLookup(t *testing.T) {
	t.Parallel()

	lookup := func(name string) (string, bool) {
		switch name {
		case "PROVIDER_API_KEY":
			return "secret-key", true
		case "PROVIDER_ENDPOINT":
			return "https://secret.example.com", true
		default:
			return "", false
		}
	}

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{name: "env prefix", ref: "env://PROVIDER_API_KEY", want: "secret-key"},
		{name: "bare env key", ref: "PROVIDER_ENDPOINT", want: "https://secret.example.com"},
		{name: "missing", ref: "env://UNKNOWN", wantErr: true},
		{name: "unsupported scheme", ref: "vault://provider/api-key", wantErr: true},
		{name: "path separator", ref: "secrets/api-key", wantErr: true},
		{name: "empty", ref: "  ", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ResolveSecretRefWithLookup(tc.ref, lookup)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve secret ref %q: %v", tc.ref, err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestResolveEnvValuePrefersSecretRefAndSupportsRotation(t *testing.T) {
	const literalEnv = "VTP_TEST_LITERAL"
	const secretRefEnv = "VTP_TEST_SECRET_REF"

	t.Setenv(literalEnv, "literal-value")
	t.Setenv(secretRefEnv, "env://VTP_TEST_ROTATABLE")
	t.Setenv("VTP_TEST_ROTATABLE", "rotated-v1")

	if got := ResolveEnvValue(literalEnv, secretRefEnv, ""); got != "rotated-v1" {
		t.Fatalf("expected rotated-v1, got %q", got)
	}

	t.Setenv("VTP_TEST_ROTATABLE", "rotated-v2")
	if got := ResolveEnvValue(literalEnv, secretRefEnv, ""); got != "rotated-v2" {
		t.Fatalf("expected rotated-v2 after env update, got %q", got)
	}
}

func TestResolveEnvValueFallsBackToLiteral(t *testing.T) {
	const literalEnv = "VTP_TEST_LITERAL_ONLY"
	const secretRefEnv = "VTP_TEST_SECRET_REF_ONLY"

	t.Setenv(literalEnv, "literal-value")
	t.Setenv(secretRefEnv, "env://VTP_TEST_MISSING")

	if got := ResolveEnvValue(literalEnv, secretRefEnv, ""); got != "literal-value" {
		t.Fatalf("expected literal fallback on broken ref, got %q", got)
	}

	t.Setenv(literalEnv, "")
	t.Setenv(secretRefEnv, "")
	if got := ResolveEnvValue(literalEnv, secretRefEnv, "built-in"); got != "built-in" {
		t.Fatalf("expected configured fallback, got %q", got)
	}
}

func TestRedactSecret(t *testing.T) {
	t.Parallel()

	if got := RedactSecret(""); got != "" {
		t.Fatalf("expected empty redaction for empty secret, got %q", got)
	}
	if got := RedactSecret("sensitive"); got != "***redacted***" {
		t.Fatalf("expected redacted marker, got %q", got)
	}
}
