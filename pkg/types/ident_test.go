package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    PackageIdent
		wantErr bool
	}{
		{
			name:  "origin and name",
			input: "core/openssl",
			want:  PackageIdent{Origin: "core", Name: "openssl"},
		},
		{
			name:  "with version",
			input: "core/openssl/3.0.7",
			want:  PackageIdent{Origin: "core", Name: "openssl", Version: "3.0.7"},
		},
		{
			name:  "fully qualified",
			input: "core/openssl/3.0.7/20230210152345",
			want: PackageIdent{
				Origin:  "core",
				Name:    "openssl",
				Version: "3.0.7",
				Release: "20230210152345",
			},
		},
		{
			name:    "single segment",
			input:   "core",
			wantErr: true,
		},
		{
			name:    "too many segments",
			input:   "core/openssl/3.0.7/20230210152345/extra",
			wantErr: true,
		},
		{
			name:    "empty segment",
			input:   "core//3.0.7",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIdent(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentString(t *testing.T) {
	tests := []struct {
		name  string
		ident PackageIdent
		want  string
	}{
		{
			name:  "short",
			ident: PackageIdent{Origin: "core", Name: "gcc"},
			want:  "core/gcc",
		},
		{
			name:  "with version",
			ident: PackageIdent{Origin: "core", Name: "gcc", Version: "12.2.0"},
			want:  "core/gcc/12.2.0",
		},
		{
			name: "fully qualified",
			ident: PackageIdent{
				Origin:  "core",
				Name:    "gcc",
				Version: "12.2.0",
				Release: "20230306215145",
			},
			want: "core/gcc/12.2.0/20230306215145",
		},
		{
			name:  "release without version is dropped",
			ident: PackageIdent{Origin: "core", Name: "gcc", Release: "20230306215145"},
			want:  "core/gcc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ident.String())
		})
	}
}

func TestIdentRoundTrip(t *testing.T) {
	inputs := []string{
		"core/openssl",
		"core/openssl/3.0.7",
		"core/openssl/3.0.7/20230210152345",
		"myorigin/my-pkg/1.0/20240101000000",
	}
	for _, in := range inputs {
		ident, err := ParseIdent(in)
		require.NoError(t, err)
		assert.Equal(t, in, ident.String())
	}
}

func TestIdentSatisfies(t *testing.T) {
	full := MustIdent("core/openssl/3.0.7/20230210152345")

	tests := []struct {
		name    string
		pattern string
		want    bool
	}{
		{"short pattern", "core/openssl", true},
		{"version pattern", "core/openssl/3.0.7", true},
		{"exact", "core/openssl/3.0.7/20230210152345", true},
		{"wrong version", "core/openssl/1.1.1", false},
		{"wrong name", "core/openssh", false},
		{"wrong origin", "other/openssl", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, full.Satisfies(MustIdent(tt.pattern)))
		})
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.10.0", "1.9.0", 1},
		{"2.0", "10.0", -1},
		{"1.0", "1.0.1", -1},
		{"1.0.0-rc1", "1.0.0-rc2", -1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b), "compare %q %q", tt.a, tt.b)
	}
}

func TestIdentNewer(t *testing.T) {
	older := MustIdent("core/gcc/12.2.0/20230101000000")
	newer := MustIdent("core/gcc/12.2.0/20230306215145")
	bumped := MustIdent("core/gcc/13.1.0/20220101000000")

	assert.True(t, newer.Newer(older))
	assert.False(t, older.Newer(newer))
	// Version beats release timestamp.
	assert.True(t, bumped.Newer(newer))
}

func TestIdentValidity(t *testing.T) {
	assert.True(t, MustIdent("core/gcc").Valid())
	assert.False(t, PackageIdent{Origin: "core"}.Valid())
	assert.True(t, MustIdent("core/gcc/1.0/20230101000000").FullyQualified())
	assert.False(t, MustIdent("core/gcc/1.0").FullyQualified())
}
