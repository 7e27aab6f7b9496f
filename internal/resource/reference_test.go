package resource

import (
	"errors"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestParseReference(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      string
		want    Reference
		wantErr bool
	}{
		{
			name: "warc file with offset",
			in:   "warcfile:IAH-20080430204825-00000-blackbook.warc.gz#2052",
			want: Reference{Scheme: "warcfile", Path: "IAH-20080430204825-00000-blackbook.warc.gz", Fragment: "2052"},
		},
		{
			name: "escaped path",
			in:   "warcfile:dir/a%20b%23c.warc#10",
			want: Reference{Scheme: "warcfile", Path: "dir/a b#c.warc", Fragment: "10"},
		},
		{
			name: "no fragment",
			in:   "arcfile:old.arc.gz",
			want: Reference{Scheme: "arcfile", Path: "old.arc.gz"},
		},
		{name: "missing scheme", in: "just-a-file.warc", wantErr: true},
		{name: "empty scheme", in: ":file.warc#1", wantErr: true},
		{name: "bad scheme", in: "1abc:file.warc", wantErr: true},
		{name: "empty path", in: "warcfile:#12", wantErr: true},
		{name: "bad escape", in: "warcfile:a%zz", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseReference(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrBadReference) {
					t.Fatalf("expected ErrBadReference, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestReferenceETag(t *testing.T) {
	t.Parallel()
	ref, err := ParseReference("warcfile:IAH-20080430204825-00000-blackbook.warc.gz#2052")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got, want := ref.ETag(), "ac5517803089c33ff74060ccb6cc8055f1d476d6"; got != want {
		t.Fatalf("etag got %s want %s", got, want)
	}
	other := ref
	other.Fragment = "2053"
	if ref.ETag() == other.ETag() {
		t.Fatalf("different references share an etag")
	}
}

func TestReferenceOffset(t *testing.T) {
	t.Parallel()
	ref := Reference{Scheme: "warcfile", Path: "a.warc", Fragment: "512"}
	if off, err := ref.Offset(); err != nil || off != 512 {
		t.Fatalf("offset got %d, %v", off, err)
	}
	ref.Fragment = ""
	if off, err := ref.Offset(); err != nil || off != 0 {
		t.Fatalf("empty fragment got %d, %v", off, err)
	}
	ref.Fragment = "-3"
	if _, err := ref.Offset(); !errors.Is(err, ErrBadReference) {
		t.Fatalf("negative offset accepted: %v", err)
	}
}

func TestReferenceRoundTrip_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parse(string(r)) == r", prop.ForAll(
		func(scheme, path string, offset int, withFragment bool) bool {
			ref := Reference{Scheme: scheme, Path: path}
			if withFragment {
				ref.Fragment = strconv.Itoa(offset)
			}
			got, err := ParseReference(ref.String())
			if err != nil {
				t.Logf("parse %q: %v", ref.String(), err)
				return false
			}
			return got == ref && got.ETag() == ref.ETag()
		},
		gen.Identifier(),
		gen.AnyString().SuchThat(func(s string) bool { return s != "" }),
		gen.IntRange(0, 1<<30),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
