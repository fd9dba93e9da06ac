package probe

import "testing"

func TestParseKernelReleaseAcceptsPlainVersion(t *testing.T) {
	major, minor, err := parseKernelRelease("5.15.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if major != 5 || minor != 15 {
		t.Fatalf("got %d.%d, want 5.15", major, minor)
	}
}

func TestParseKernelReleaseAcceptsDistroSuffix(t *testing.T) {
	major, minor, err := parseKernelRelease("6.8.0-91-generic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if major != 6 || minor != 8 {
		t.Fatalf("got %d.%d, want 6.8", major, minor)
	}
}

func TestParseKernelReleaseRejectsGarbage(t *testing.T) {
	if _, _, err := parseKernelRelease("not-a-version"); err == nil {
		t.Fatal("expected an error for an unparseable release string")
	}
}

func TestOldKernelReleaseIsBelowMinimumSupported(t *testing.T) {
	major, minor, err := parseKernelRelease("4.19.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !(major < minSupportedKernelMajor || (major == minSupportedKernelMajor && minor < minSupportedKernelMinor)) {
		t.Fatal("4.19 should be considered older than the minimum supported kernel")
	}
}
