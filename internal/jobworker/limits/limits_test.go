package limits

import "testing"

func TestResourceStringRoundTrip(t *testing.T) {
	tests := map[string]struct {
		resource Resource
		name     string
	}{
		"cpu":    {resource: CPU, name: "cpu"},
		"nofile": {resource: NoFile, name: "nofile"},
		"rttime": {resource: RTTime, name: "rttime"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			if actual := test.resource.String(); actual != test.name {
				t.Fatalf("unexpected string; actual: %s, expected: %s", actual, test.name)
			}

			parsed, err := Parse(test.name)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if parsed != test.resource {
				t.Fatalf("unexpected resource; actual: %v, expected: %v", parsed, test.resource)
			}
		})
	}
}

func TestParseUnknown(t *testing.T) {
	if _, err := Parse("not-a-real-limit"); err == nil {
		t.Fatal("expected error for unknown resource name")
	}
}

func TestResourceStringUnknown(t *testing.T) {
	r := Resource(999)
	if actual := r.String(); actual != "resource(999)" {
		t.Fatalf("unexpected string; actual: %s", actual)
	}
}

func TestTableClone(t *testing.T) {
	orig := Table{
		NoFile: {Cur: 256, Max: 512},
	}
	clone := orig.Clone()

	clone[NoFile] = Limit{Cur: 1, Max: 1}
	if orig[NoFile].Cur != 256 {
		t.Fatalf("expected clone to be independent of original; original: %+v", orig[NoFile])
	}
}
