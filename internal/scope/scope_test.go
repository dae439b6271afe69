package scope_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconloop/reconloop/internal/scope"
)

const header = "identifier,asset_type,instruction,eligible_for_bounty,eligible_for_submission,availability_requirement,confidentiality_requirement,integrity_requirement,max_severity,system_tags,created_at,updated_at\n"

func TestNormalize(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
		ok       bool
	}{
		{"plain", "example.com", "example.com", true},
		{"upper case", "API.Example.COM", "api.example.com", true},
		{"scheme path port", "https://app.example.com:8443/login?x=1", "app.example.com", true},
		{"www", "https://www.example.com", "example.com", true},
		{"wildcard", "*.example.com", "example.com", true},
		{"wildcard deeper", "*.api.example.co.uk", "api.example.co.uk", true},
		{"wildcard label", "api-*.example.com", "example.com", true},
		{"inner wildcard", "api.*.example.com", "api.example.com", true},
		{"trailing dot", "example.com.", "example.com", true},
		{"spaces", "  example.org ", "example.org", true},
		{"only suffix", "*.co.uk", "", false},
		{"unknown tld", "intranet.corp", "", false},
		{"ip address", "10.0.0.1", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			host, ok := scope.Normalize(tc.given)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.then, host)
		})
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	input := header + strings.Join([]string{
		`*.example.com,WILDCARD,,true,true,,,,critical,,2024-01-01,2024-01-01`,
		`https://www.example.com/app,URL,"line, with comma",true,true,,,,high,,,`,
		`api.example.org,URL,,false,true,,,,high,,,`,
		`out.example.net,URL,,true,false,,,,high,,,`,
		`com.example.android,GOOGLE_PLAY_APP_ID,,true,true,,,,high,,,`,
		`10.0.0.0/8,CIDR,,true,true,,,,high,,,`,
		`short.example.io,URL`,
		`*.shop.example.co.uk,WILDCARD,,true,true,,,,high,,,`,
	}, "\n") + "\n"

	domains, err := scope.Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"api.example.org", "example.com", "shop.example.co.uk"}, domains)
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()
	domains, err := scope.Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, domains)

	domains, err = scope.Parse(strings.NewReader(header))
	require.NoError(t, err)
	require.Empty(t, domains)
}

func TestParseFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scopes_for_acme_at_1700000000.csv")
	require.NoError(t, os.WriteFile(path, []byte(header+"acme.com,URL,,true,true\n"), 0o644))

	domains, err := scope.ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"acme.com"}, domains)

	var buf bytes.Buffer
	require.NoError(t, scope.Write(&buf, domains))
	require.Equal(t, "acme.com\n", buf.String())

	_, err = scope.ParseFile(filepath.Join(t.TempDir(), "missing.csv"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
