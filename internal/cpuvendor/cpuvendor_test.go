package cpuvendor_test

import (
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/cpuvendor"
)

func TestCPUID(t *testing.T) {
	t.Parallel()

	_, ebx, ecx, edx := cpuvendor.CPUID(0)

	t.Logf("ebx:0x%x ecx:0x%x edx:0x%x", ebx, ecx, edx)
}

func TestDetect(t *testing.T) {
	t.Parallel()

	v, err := cpuvendor.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	switch v {
	case cpuvendor.Intel, cpuvendor.AMD:
	default:
		t.Fatalf("have: %s, want: intel or amd", v)
	}
}

func TestVendorString(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value cpuvendor.Vendor
		want  string
	}{
		{name: "Intel", value: cpuvendor.Intel, want: "intel"},
		{name: "AMD", value: cpuvendor.AMD, want: "amd"},
		{name: "Unknown", value: cpuvendor.Unknown, want: "unknown"},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if got := test.value.String(); got != test.want {
				t.Errorf("have: %s, want: %s", got, test.want)
			}
		})
	}
}
